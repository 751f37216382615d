package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/playdeck/fetchd/internal/app"
	"github.com/playdeck/fetchd/internal/domain"
)

// ChecksumHeader carries the expected whole-file SHA-256 when the content
// host declares one.
const ChecksumHeader = "X-Content-Sha256"

var badChars = regexp.MustCompile(`[\\/:*?"<>|]`)

// HTTPResolver resolves http(s) source references into range-readable sources.
type HTTPResolver struct {
	client *http.Client
}

func NewHTTPResolver(client *http.Client) *HTTPResolver {
	if client == nil {
		client = &http.Client{Timeout: 0} // transfers are long-lived; reads are bounded per chunk by context
	}
	return &HTTPResolver{client: client}
}

func (r *HTTPResolver) Validate(ref string) error {
	u, err := url.Parse(ref)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSourceRef, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", domain.ErrInvalidSourceRef, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", domain.ErrInvalidSourceRef)
	}
	return nil
}

// Title derives a filesystem-safe file name from the ref.
func (r *HTTPResolver) Title(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return "download"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		name = "download"
	}
	name = badChars.ReplaceAllString(name, "_")
	return strings.TrimSpace(name)
}

// Resolve probes the ref with a HEAD request to learn size and checksum.
// Sources that reject HEAD still resolve; size stays unknown until the
// transfer's first GET.
func (r *HTTPResolver) Resolve(ctx context.Context, ref string) (app.Source, error) {
	if err := r.Validate(ref); err != nil {
		return nil, err
	}

	src := &httpSource{client: r.client, url: ref}

	ctx, cancel := context.WithTimeout(ctx, headProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			if resp.ContentLength > 0 {
				src.size = resp.ContentLength
			}
			src.checksum = strings.ToLower(resp.Header.Get(ChecksumHeader))
		}
	}

	return src, nil
}

type httpSource struct {
	client   *http.Client
	url      string
	size     int64
	checksum string
}

func (s *httpSource) Size() int64      { return s.size }
func (s *httpSource) Checksum() string { return s.checksum }

// Open issues a GET, with a Range header when resuming mid-file.
func (s *httpSource) Open(ctx context.Context, offset int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Connection", "keep-alive")
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		// resumed
	case offset == 0 && resp.StatusCode == http.StatusOK:
		if s.size == 0 && resp.ContentLength > 0 {
			s.size = resp.ContentLength
		}
	case offset > 0 && resp.StatusCode == http.StatusOK:
		// Server ignored the Range header; discard the prefix so the caller
		// still reads from the requested offset.
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("skipping to offset %d: %w", offset, err)
		}
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d from source", resp.StatusCode)
	}

	if s.checksum == "" {
		s.checksum = strings.ToLower(resp.Header.Get(ChecksumHeader))
	}

	return resp.Body, nil
}

// headProbeTimeout bounds the Resolve probe; transfers themselves are
// cancelled through their own contexts.
var headProbeTimeout = 10 * time.Second
