package controllers

type SubmitRequest struct {
	SourceRef string `json:"source_ref"`
	Priority  string `json:"priority"`
}

type SubmitResponse struct {
	ID string `json:"id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
