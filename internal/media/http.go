package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// HTTPExtractor fetches plain HTTP(S) targets. It is the built-in
// capability used when no site-specific extractor is configured;
// richer extractors plug in behind the same interface.
type HTTPExtractor struct {
	Client *http.Client

	// MaxSize rejects targets whose announced size exceeds this many
	// bytes. 0 disables the check.
	MaxSize int64
}

func NewHTTPExtractor(maxSize int64) *HTTPExtractor {
	return &HTTPExtractor{
		Client:  &http.Client{Timeout: 0}, // per-request ctx carries the deadline
		MaxSize: maxSize,
	}
}

func (e *HTTPExtractor) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return http.DefaultClient
}

func (e *HTTPExtractor) Probe(ctx context.Context, rawURL string) (ProbeResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ProbeResult{}, Permanent(ReasonUnsupported, fmt.Errorf("unsupported url %q", rawURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return ProbeResult{}, Permanent(ReasonUnsupported, err)
	}
	resp, err := e.client().Do(req)
	if err != nil {
		return ProbeResult{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return ProbeResult{}, err
	}

	size := resp.ContentLength
	if size < 0 {
		size = 0
	}
	if e.MaxSize > 0 && size > e.MaxSize {
		return ProbeResult{}, Permanent(ReasonTooLarge, fmt.Errorf("announced size %d exceeds limit %d", size, e.MaxSize))
	}

	title := path.Base(u.Path)
	if title == "" || title == "/" || title == "." {
		title = u.Host
	}
	return ProbeResult{
		Title:      title,
		SizeHint:   size,
		Renditions: []Rendition{{ID: "original", SizeHint: size}},
	}, nil
}

func (e *HTTPExtractor) Fetch(ctx context.Context, rawURL string, rendition Rendition, progress ProgressFunc) (Stream, error) {
	_ = rendition // plain HTTP has a single rendition

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, Permanent(ReasonUnsupported, err)
	}
	resp, err := e.client().Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}
	if e.MaxSize > 0 && total > e.MaxSize {
		resp.Body.Close()
		return nil, Permanent(ReasonTooLarge, fmt.Errorf("announced size %d exceeds limit %d", total, e.MaxSize))
	}

	name := path.Base(req.URL.Path)
	if name == "" || name == "/" || name == "." {
		name = req.URL.Host
	}
	return &httpStream{body: resp.Body, name: name, total: total, progress: progress}, nil
}

// httpStream counts bytes as they are read and reports them through the
// progress callback between chunks.
type httpStream struct {
	body     io.ReadCloser
	name     string
	total    int64
	done     int64
	progress ProgressFunc
}

func (s *httpStream) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if n > 0 {
		s.done += int64(n)
		if s.progress != nil {
			s.progress(s.done, s.total)
		}
	}
	return n, err
}

func (s *httpStream) Close() error { return s.body.Close() }
func (s *httpStream) Name() string { return s.name }
func (s *httpStream) Size() int64  { return s.total }

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return Permanent(ReasonNotFound, fmt.Errorf("http status %d", code))
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return Permanent(ReasonForbidden, fmt.Errorf("http status %d", code))
	case code == http.StatusTooManyRequests || code >= 500:
		return Recoverable(ReasonNetwork, fmt.Errorf("http status %d", code))
	default:
		return Permanent(ReasonUnsupported, fmt.Errorf("http status %d", code))
	}
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Recoverable(ReasonTimeout, err)
	}
	return Recoverable(ReasonNetwork, err)
}

// FileTransport lands a stream in a local directory. It stands in for
// the real bulk-transfer capability in single-node deployments and tests.
type FileTransport struct {
	Dir string
}

func NewFileTransport(dir string) *FileTransport { return &FileTransport{Dir: dir} }

func (t *FileTransport) Send(ctx context.Context, destination string, s Stream, progress ProgressFunc) (string, error) {
	dir := t.Dir
	if strings.TrimSpace(destination) != "" {
		dir = filepath.Join(dir, filepath.Clean("/"+destination))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", Permanent(ReasonInternal, err)
	}

	name := s.Name()
	if name == "" {
		name = fmt.Sprintf("stream-%d", time.Now().UnixNano())
	}
	dst := filepath.Join(dir, filepath.Base(name))

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", Permanent(ReasonInternal, err)
	}

	total := s.Size()
	var done int64
	buf := make([]byte, 128*1024)
	for {
		// Cooperative cancellation checkpoint between chunks.
		if err := ctx.Err(); err != nil {
			f.Close()
			return "", err
		}
		n, rerr := s.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return "", Permanent(ReasonInternal, werr)
			}
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			return "", classifyTransport(rerr)
		}
	}
	if err := f.Close(); err != nil {
		return "", Permanent(ReasonInternal, err)
	}
	return dst, nil
}
