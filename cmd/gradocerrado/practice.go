package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/codec"
	appI18n "github.com/samirabawad/Grado-Cerrado-App-sub000/internal/i18n"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/model"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/oral"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/recorder"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/speech"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/store"
)

func practiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "practice",
		Short: "Run an oral test in the terminal with a local microphone",
		RunE:  runPractice,
	}
	addOralFlags(cmd)
	f := cmd.Flags()
	f.String("area", string(model.AreaCivil), "Subject area (civil, procesal)")
	f.String("capture-command", "arecord -q -f S16_LE -r 16000 -c 1 -t wav -", "Capture command writing the recording to stdout")
	f.String("capture-type", codec.WAVMIMEType, "Container type produced by the capture command")
	f.String("tts-command", "espeak-ng -v es", "Speech synthesis command reading text from stdin (empty renders through the audio API)")
	f.String("play-command", "aplay -q", "Player for rendered prompt audio, reads stdin")
	return cmd
}

func newSpeaker(v *viper.Viper, api *speech.OpenAI) (speech.Speaker, error) {
	if command := v.GetString("tts-command"); command != "" {
		return speech.NewExecSpeaker(command)
	}
	return speech.NewRenderedSpeaker(api, v.GetString("play-command"))
}

func runPractice(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	area := model.Area(v.GetString("area"))
	if !area.IsValid() {
		return fmt.Errorf("unknown area %q", area)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := loadQuestions(db, v.GetStringSlice("questions")); err != nil {
		return fmt.Errorf("load questions: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	conv, err := newConverter(v)
	if err != nil {
		return fmt.Errorf("create converter: %w", err)
	}
	stt, api, err := newSpeechBackend(v)
	if err != nil {
		return fmt.Errorf("create speech backend: %w", err)
	}
	speaker, err := newSpeaker(v, api)
	if err != nil {
		return fmt.Errorf("create speaker: %w", err)
	}
	dev, err := recorder.NewExecDevice(v.GetString("capture-command"), []string{v.GetString("capture-type")}, slog.Default())
	if err != nil {
		return fmt.Errorf("create capture device: %w", err)
	}

	cfg := oralConfig(v)
	rec := recorder.New(dev, recorder.Options{MaxDuration: cfg.MaxRecording})
	defer rec.Close()

	ctl := oral.New(oral.Deps{
		Provider: db.NewProvider(store.ProviderOptions{
			Area:    area,
			Topic:   cfg.Topic,
			Limit:   cfg.NumQuestions,
			Shuffle: cfg.Shuffle,
		}),
		Recorder:    rec,
		Converter:   conv,
		Transcriber: stt,
		Synth:       speech.NewEngine(speaker),
	}, oral.Config{
		Area:        area,
		Codec:       codec.Options{SampleRate: cfg.SampleRate},
		MaxAttempts: cfg.MaxAttempts,
		AutoAdvance: cfg.AutoAdvance,
		Lang:        lang,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctl.Start(ctx); err != nil {
		lctx := appI18n.Context(lang)
		switch {
		case errors.Is(err, recorder.ErrPermissionDenied):
			return errors.New(appI18n.T(lctx, "MsgPermissionDenied"))
		case errors.Is(err, recorder.ErrUnsupportedEnvironment):
			return errors.New(appI18n.T(lctx, "MsgUnsupportedEnvironment"))
		case errors.Is(err, oral.ErrNoQuestions):
			return errors.New(appI18n.Tp(lctx, "QuestionsAvailable", 0))
		}
		return fmt.Errorf("start oral test: %w", err)
	}

	t := &terminal{ctl: ctl, out: os.Stdout, ctx: appI18n.Context(lang)}
	return t.run(ctx, readLines(os.Stdin))
}

// readLines delivers trimmed input lines and closes the channel on EOF.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- strings.ToLower(strings.TrimSpace(sc.Text()))
		}
	}()
	return ch
}

// terminal renders controller snapshots as text and maps typed commands to
// controller entry points.
type terminal struct {
	ctl *oral.Controller
	out io.Writer
	ctx context.Context

	last    oral.Snapshot
	elapsed int
}

func (t *terminal) run(ctx context.Context, lines <-chan string) error {
	updates, cancel := t.ctl.Subscribe()
	defer cancel()

	interrupted := ctx.Done()
	for {
		select {
		case <-interrupted:
			interrupted = nil
			t.ctl.Abort()
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			t.render(snap)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				t.ctl.Abort()
				continue
			}
			if err := t.command(ctx, line); err != nil {
				slog.Debug("command ignored", "input", line, "error", err)
			}
		}
	}
}

func (t *terminal) command(ctx context.Context, line string) error {
	snap := t.ctl.Snapshot()
	if line == "q" {
		t.ctl.Abort()
		return nil
	}
	switch snap.State {
	case oral.PromptPlaying, oral.AwaitingRecording:
		if line == "r" {
			return t.ctl.ReplayPrompt()
		}
		return t.ctl.StartRecording()
	case oral.Recording:
		_, err := t.ctl.AnswerCurrent(ctx)
		return err
	case oral.ShowingResult:
		switch line {
		case "b":
			return t.ctl.Retreat()
		case "r":
			return t.ctl.StartRecording()
		}
		return t.ctl.Advance()
	}
	return oral.ErrInvalidState
}

func (t *terminal) render(snap oral.Snapshot) {
	prev := t.last
	t.last = snap
	changed := snap.State != prev.State || snap.Index != prev.Index

	switch snap.State {
	case oral.PromptPlaying:
		if changed && snap.Question != nil {
			fmt.Fprintf(t.out, "\n%s\n", oral.Narration(t.ctx, *snap.Question, snap.Index+1, snap.Total))
		}
	case oral.AwaitingRecording:
		if snap.MessageID != "" && (changed || snap.MessageID != prev.MessageID) {
			fmt.Fprintln(t.out, appI18n.T(t.ctx, snap.MessageID))
		}
		if changed {
			fmt.Fprintln(t.out, appI18n.T(t.ctx, "PressEnterToRecord"))
		}
	case oral.Recording:
		if changed {
			t.elapsed = -1
			fmt.Fprintln(t.out, appI18n.T(t.ctx, "PressEnterToStop"))
		}
		if snap.Elapsed != t.elapsed {
			t.elapsed = snap.Elapsed
			fmt.Fprintf(t.out, "\r%s", appI18n.Td(t.ctx, "RecordingElapsed", map[string]any{
				"Elapsed": recorder.FormatDuration(snap.Elapsed),
			}))
		}
	case oral.Transcribing:
		if changed {
			fmt.Fprintf(t.out, "\n%s\n", appI18n.T(t.ctx, "Transcribing"))
		}
	case oral.ShowingResult:
		if !changed || snap.Question == nil || snap.Evaluation == nil {
			return
		}
		ev := *snap.Evaluation
		if ev.RawTranscript != "" {
			fmt.Fprintln(t.out, appI18n.Td(t.ctx, "HeardTranscript", map[string]any{"Text": ev.RawTranscript}))
		}
		fmt.Fprintln(t.out, oral.ResultText(t.ctx, *snap.Question, ev))
		if ev.Explanation != "" {
			fmt.Fprintln(t.out, ev.Explanation)
		}
		if snap.MessageID != "" {
			fmt.Fprintln(t.out, appI18n.T(t.ctx, snap.MessageID))
		}
		fmt.Fprintln(t.out, appI18n.T(t.ctx, "PressEnterToContinue"))
	case oral.Completed:
		if changed && snap.Completion != nil {
			fmt.Fprintf(t.out, "\n%s\n", oral.CompletionText(t.ctx, *snap.Completion))
		}
	case oral.Aborted:
		if changed {
			fmt.Fprintln(t.out, appI18n.T(t.ctx, "TestAborted"))
		}
	}
}
