// Package session models the upload page: which panels are showing, the
// preview, the threshold slider and the rendered results. Front-ends drive a
// Session and draw its State.
package session

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/example/image-labels/internal/analyzer"
	"github.com/example/image-labels/internal/labels"
	"github.com/example/image-labels/internal/upload"
)

const (
	msgNoImage = "No image selected."
	msgGeneric = "Could not reach the server. Check that the backend is running."
)

// Analyzer submits an encoded image for labeling.
type Analyzer interface {
	Analyze(ctx context.Context, dataURL string) (*analyzer.Result, error)
}

// State is a snapshot of the page.
type State struct {
	UploadVisible  bool
	PreviewVisible bool
	ActionVisible  bool
	LoadingVisible bool
	ResultsVisible bool
	ErrorVisible   bool

	ErrorText     string
	FileName      string
	Preview       string
	Threshold     int
	ThresholdText string
	RequestID     string
	View          labels.View
}

// Session is safe for concurrent use; only one analysis runs at a time.
type Session struct {
	analyzer Analyzer
	logger   *zap.Logger
	uploader upload.Uploader
	encode   func(context.Context, *upload.SelectedFile) (string, error)

	mu      sync.Mutex
	results labels.ResultSet
	state   State
	gen     uint64
}

// New returns a Session in its initial state.
func New(a Analyzer, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{analyzer: a, logger: logger.Named("session"), encode: upload.EncodeDataURL}
	s.state = initialState()
	return s
}

func initialState() State {
	return State{UploadVisible: true, ThresholdText: "0%"}
}

// State returns a copy of the current page state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.View.Cards = append([]labels.Card(nil), s.state.View.Cards...)
	return st
}

// Results returns the labels of the last successful analysis.
func (s *Session) Results() labels.ResultSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results
}

// SelectFile validates f and, when accepted, shows its preview in place of
// any earlier results. A rejected file shows the error banner and leaves no
// file or preview behind. A Reset that lands while the preview is being
// encoded wins.
func (s *Session) SelectFile(ctx context.Context, f *upload.SelectedFile) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	if err := s.uploader.Select(f); err != nil {
		s.mu.Lock()
		s.state.FileName = ""
		s.state.Preview = ""
		s.state.PreviewVisible = false
		s.state.ActionVisible = false
		s.state.UploadVisible = true
		s.showErrorLocked(err)
		s.mu.Unlock()
		s.logger.Info("file rejected", zap.Error(err))
		return err
	}

	preview, err := s.encode(ctx, f)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		s.uploader.Reset()
		return context.Canceled
	}
	if err != nil {
		s.uploader.Reset()
		s.showErrorLocked(err)
		return err
	}

	s.results = labels.ResultSet{}
	s.state.ResultsVisible = false
	s.state.View = labels.View{}
	s.state.RequestID = ""
	s.state.Threshold = 0
	s.state.ThresholdText = "0%"
	s.state.FileName = f.Name
	s.state.Preview = preview
	s.state.UploadVisible = false
	s.state.PreviewVisible = true
	s.state.ActionVisible = true
	s.hideErrorLocked()
	return nil
}

// Analyze sends the selected file to the analyzer. While it runs the page
// shows the loading panel; on failure it returns to the pre-request layout
// with the error banner. A call made while another is running returns
// analyzer.ErrInFlight and changes nothing.
func (s *Session) Analyze(ctx context.Context) error {
	s.mu.Lock()
	if s.state.LoadingVisible {
		s.mu.Unlock()
		return analyzer.ErrInFlight
	}
	if s.uploader.Current() == nil {
		s.showErrorLocked(upload.ErrNoFile)
		s.mu.Unlock()
		return upload.ErrNoFile
	}
	s.state.ActionVisible = false
	s.state.LoadingVisible = true
	s.hideErrorLocked()
	gen := s.gen
	s.mu.Unlock()

	res, err := s.submit(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		// reset while the request was running
		return context.Canceled
	}
	s.state.LoadingVisible = false
	if err != nil {
		s.showErrorLocked(err)
		s.state.ActionVisible = true
		fields := []zap.Field{zap.Error(err)}
		var aErr *analyzer.Error
		if errors.As(err, &aErr) {
			fields = append(fields, zap.Stringer("kind", aErr.Kind), zap.Int("status", aErr.Status))
		}
		s.logger.Warn("analysis failed", fields...)
		return err
	}

	s.results = res.Labels
	s.state.RequestID = res.RequestID
	s.state.ResultsVisible = true
	s.state.View = labels.Render(s.results, float64(s.state.Threshold))
	s.logger.Info("analysis completed",
		zap.String("request_id", res.RequestID),
		zap.Int("labels", res.Labels.Len()),
		zap.Bool("placeholder", s.state.View.Empty()))
	return nil
}

func (s *Session) submit(ctx context.Context) (*analyzer.Result, error) {
	dataURL, err := s.uploader.DataURL(ctx)
	if err != nil {
		return nil, err
	}
	return s.analyzer.Analyze(ctx, dataURL)
}

// SetThreshold moves the slider, clamped to 0..100, and re-filters the
// current results without reordering them.
func (s *Session) SetThreshold(v int) {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Threshold = v
	s.state.ThresholdText = strconv.Itoa(v) + "%"
	s.state.View = labels.Render(s.results, float64(v))
}

// Reset returns the page to its initial state.
func (s *Session) Reset() {
	s.uploader.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.results = labels.ResultSet{}
	s.state = initialState()
}

// Retry dismisses an error by starting over.
func (s *Session) Retry() { s.Reset() }

// NewAnalysis starts over after results have been shown.
func (s *Session) NewAnalysis() { s.Reset() }

func (s *Session) showErrorLocked(err error) {
	s.state.ErrorText = Message(err)
	s.state.ErrorVisible = true
}

func (s *Session) hideErrorLocked() {
	s.state.ErrorVisible = false
}

// Message is the banner text for err.
func Message(err error) string {
	var vErr *upload.ValidationError
	var aErr *analyzer.Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &vErr):
		return vErr.Message
	case errors.As(err, &aErr):
		return aErr.Message
	case errors.Is(err, upload.ErrNoFile):
		return msgNoImage
	case err.Error() != "":
		return err.Error()
	default:
		return msgGeneric
	}
}
