package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/codec"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/i18n"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/model"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/oral"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/recorder"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/speech"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/store"
)

// maxChunkBytes bounds one uploaded capture chunk.
const maxChunkBytes = 8 << 20

// Tracker receives oral test telemetry.
type Tracker interface {
	oral.Metrics
	TestStarted(ctx context.Context, area model.Area)
	TestFinished(ctx context.Context, area model.Area)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	conv     *codec.Converter
	stt      speech.Transcriber
	renderer speech.Renderer
	tracker  Tracker
	config   model.OralConfig
	sessions *registry

	stop     chan struct{}
	stopOnce sync.Once
}

const (
	sessionRetention   = 30 * time.Minute
	sessionIdleTimeout = 10 * time.Minute
)

// New creates a new Handler.
func New(s *store.Store, conv *codec.Converter, stt speech.Transcriber, cfg model.OralConfig) (*Handler, error) {
	if s == nil || conv == nil || stt == nil {
		return nil, errors.New("handler: store, converter and transcriber are required")
	}
	h := &Handler{
		store:    s,
		conv:     conv,
		stt:      stt,
		config:   cfg,
		sessions: newRegistry(sessionRetention, sessionIdleTimeout),
		stop:     make(chan struct{}),
	}
	go h.sessions.janitor(time.Minute, h.stop)
	return h, nil
}

// WithRenderer enables server-rendered prompt audio.
func (h *Handler) WithRenderer(r speech.Renderer) *Handler {
	h.renderer = r
	return h
}

// WithTracker enables telemetry.
func (h *Handler) WithTracker(t Tracker) *Handler {
	h.tracker = t
	return h
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/areas", h.handleAreas)
		r.Get("/tests", h.handleListTests)
		r.Get("/tests/{testID}", h.handleGetTest)
		r.Post("/oral", h.handleStart)
		r.Route("/oral/{sessionID}", func(r chi.Router) {
			r.Get("/", h.handleSnapshot)
			r.Delete("/", h.handleAbort)
			r.Get("/prompt", h.handlePrompt)
			r.Get("/prompt/audio", h.handlePromptAudio)
			r.Post("/prompt/done", h.handlePromptDone)
			r.Post("/prompt/replay", h.handleReplay)
			r.Post("/record/start", h.handleRecordStart)
			r.Post("/record/chunk", h.handleRecordChunk)
			r.Get("/recording", h.handleRecording)
			r.Post("/answer", h.handleAnswer)
			r.Post("/advance", h.handleAdvance)
			r.Post("/retreat", h.handleRetreat)
		})
	})
}

// Shutdown aborts every running session.
func (h *Handler) Shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })
	for _, s := range h.sessions.all() {
		s.ctl.Abort()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session, bool) {
	s, ok := h.sessions.get(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown oral session")
		return nil, false
	}
	s.touch(h.sessions.clock())
	return s, true
}

type startRequest struct {
	Area         model.Area            `json:"area"`
	Topic        string                `json:"topic"`
	Lang         string                `json:"lang"`
	Capabilities recorder.Capabilities `json:"capabilities"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !req.Area.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown area "+strconv.Quote(string(req.Area)))
		return
	}
	topic := req.Topic
	if topic == "" {
		topic = h.config.Topic
	}
	lang := req.Lang
	if lang == "" {
		lang = h.config.Lang
	}

	id := newSessionID()
	logger := slog.Default().With("session", id)
	dev := recorder.NewPushDevice(req.Capabilities)
	rec := recorder.New(dev, recorder.Options{
		MaxDuration: h.config.MaxRecording,
		Logger:      logger.With("component", "recorder"),
	})
	speaker := speech.NewRemoteSpeaker()
	provider := h.store.NewProvider(store.ProviderOptions{
		Area:    req.Area,
		Topic:   topic,
		Limit:   h.config.NumQuestions,
		Shuffle: h.config.Shuffle,
	})
	cfg := oral.Config{
		Area:        req.Area,
		Codec:       codec.Options{SampleRate: h.config.SampleRate},
		MaxAttempts: h.config.MaxAttempts,
		AutoAdvance: h.config.AutoAdvance,
		Lang:        lang,
		Logger:      logger,
	}
	if h.tracker != nil {
		cfg.Metrics = h.tracker
	}
	ctl := oral.New(oral.Deps{
		Provider:    provider,
		Recorder:    rec,
		Converter:   h.conv,
		Transcriber: h.stt,
		Synth:       speech.NewEngine(speaker),
	}, cfg)

	if err := ctl.Start(r.Context()); err != nil {
		ctl.Abort()
		rec.Close()
		logger.Warn("oral session not started", "area", req.Area, "error", err)
		switch {
		case errors.Is(err, oral.ErrNoQuestions):
			writeError(w, http.StatusNotFound, i18n.Tp(r.Context(), "QuestionsAvailable", 0))
		case errors.Is(err, recorder.ErrPermissionDenied):
			writeError(w, http.StatusForbidden, i18n.T(r.Context(), "MsgPermissionDenied"))
		case errors.Is(err, recorder.ErrUnsupportedEnvironment):
			writeError(w, http.StatusUnprocessableEntity, i18n.T(r.Context(), "MsgUnsupportedEnvironment"))
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s := &session{
		id:       id,
		area:     req.Area,
		lang:     lang,
		ctl:      ctl,
		rec:      rec,
		dev:      dev,
		speaker:  speaker,
		provider: provider,
		created:  time.Now(),
	}
	h.sessions.add(s)
	if h.tracker != nil {
		h.tracker.TestStarted(context.Background(), req.Area)
	}
	go h.watch(s)

	logger.Info("oral session started", "area", req.Area, "topic", topic, "test_id", provider.TestID())
	writeJSON(w, http.StatusCreated, newStateView(r.Context(), s.id, ctl.Snapshot()))
}

func (h *Handler) respondState(w http.ResponseWriter, r *http.Request, s *session) {
	writeJSON(w, http.StatusOK, newStateView(r.Context(), s.id, s.ctl.Snapshot()))
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.respondState(w, r, s)
}

func (h *Handler) handleAbort(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessions.remove(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown oral session")
		return
	}
	s.ctl.Abort()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePrompt(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	p, ok := s.speaker.Pending()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handlePromptAudio(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if h.renderer == nil {
		writeError(w, http.StatusNotFound, "prompt audio is not enabled")
		return
	}
	p, ok := s.speaker.Pending()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	audio, err := h.renderer.Render(r.Context(), p.Text)
	if err != nil {
		slog.Error("render prompt", "session", s.id, "prompt", p.ID, "error", err)
		writeError(w, http.StatusBadGateway, "prompt audio unavailable")
		return
	}
	w.Header().Set("Content-Type", codec.WAVMIMEType)
	w.Header().Set("X-Prompt-ID", strconv.FormatUint(p.ID, 10))
	_, _ = w.Write(audio)
}

type promptDoneRequest struct {
	ID uint64 `json:"id"`
}

func (h *Handler) handlePromptDone(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req promptDoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !s.speaker.Done(req.ID) {
		writeError(w, http.StatusConflict, "prompt is no longer pending")
		return
	}
	h.respondState(w, r, s)
}

func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.ctl.ReplayPrompt(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.respondState(w, r, s)
}

func (h *Handler) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.ctl.StartRecording(); err != nil {
		if errors.Is(err, oral.ErrInvalidState) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		// The snapshot carries the retry message.
		slog.Warn("start recording", "session", s.id, "error", err)
	}
	h.respondState(w, r, s)
}

func (h *Handler) handleRecordChunk(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if len(data) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.dev.Push(data); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRecording(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	st := s.rec.State()
	if st.Buffer == nil || st.Playable == nil {
		writeError(w, http.StatusNotFound, "no recording available")
		return
	}
	if st.Buffer.MIMEType != "" {
		w.Header().Set("Content-Type", st.Buffer.MIMEType)
	}
	http.ServeFile(w, r, st.Playable.Location())
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := s.ctl.AnswerCurrent(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newStateView(r.Context(), s.id, snap))
}

func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.ctl.Advance(); err != nil {
		switch {
		case errors.Is(err, oral.ErrNotAnswered), errors.Is(err, oral.ErrInvalidState):
			writeError(w, http.StatusConflict, err.Error())
		default:
			slog.Error("advance", "session", s.id, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.respondState(w, r, s)
}

func (h *Handler) handleRetreat(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.ctl.Retreat(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.respondState(w, r, s)
}

type areaView struct {
	Area      model.Area `json:"area"`
	Name      string     `json:"name"`
	Questions int        `json:"questions"`
	Summary   string     `json:"summary"`
	Topics    []string   `json:"topics"`
}

func (h *Handler) handleAreas(w http.ResponseWriter, r *http.Request) {
	areas := []model.Area{model.AreaCivil, model.AreaProcesal}
	out := make([]areaView, 0, len(areas))
	for _, a := range areas {
		n, err := h.store.QuestionCount(a)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		topics, err := h.store.Topics(a)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if topics == nil {
			topics = []string{}
		}
		out = append(out, areaView{
			Area:      a,
			Name:      areaName(r.Context(), a),
			Questions: n,
			Summary:   i18n.Tp(r.Context(), "QuestionsAvailable", n),
			Topics:    topics,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleListTests(w http.ResponseWriter, r *http.Request) {
	area := model.Area(r.URL.Query().Get("area"))
	if area != "" && !area.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown area "+strconv.Quote(string(area)))
		return
	}
	tests, err := h.store.ListOralTests(area, model.TestCompleted)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tests == nil {
		tests = []model.OralTest{}
	}
	writeJSON(w, http.StatusOK, tests)
}

type testDetail struct {
	model.OralTest
	Summary     string                   `json:"summary"`
	Evaluations []model.AnswerEvaluation `json:"evaluations"`
}

func (h *Handler) handleGetTest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "testID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid test ID")
		return
	}
	test, err := h.store.GetOralTest(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if test == nil {
		writeError(w, http.StatusNotFound, "test not found")
		return
	}
	evs, err := h.store.GetEvaluations(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if evs == nil {
		evs = []model.AnswerEvaluation{}
	}
	summary := model.Completion{Correct: test.Correct, Total: test.Total, Percentage: test.Percentage}
	writeJSON(w, http.StatusOK, testDetail{
		OralTest:    *test,
		Summary:     oral.CompletionText(r.Context(), summary),
		Evaluations: evs,
	})
}
