package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/jobflow/internal/engine"
	"github.com/seantiz/jobflow/internal/executor"
	"github.com/seantiz/jobflow/internal/logsink"
	"github.com/seantiz/jobflow/internal/model"
)

// lineEvent is the data of a "line" event on a run stream.
type lineEvent struct {
	Stream executor.Source `json:"stream"`
	Line   string          `json:"line"`
}

// sseWriter writes Server-Sent Events and flushes after each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// startSSE sets the event-stream headers, lifts the write deadline and
// sends the status line.
func (s *Server) startSSE(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	sw := &sseWriter{w: w}
	sw.flusher, _ = w.(http.Flusher)
	sw.flush()
	return sw
}

func (sw *sseWriter) flush() {
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}

func (sw *sseWriter) event(eventType, data string) error {
	if err := writeSSEEvent(sw.w, eventType, data); err != nil {
		return err
	}
	sw.flush()
	return nil
}

func (sw *sseWriter) frame(frame string) error {
	if _, err := fmt.Fprint(sw.w, frame); err != nil {
		return err
	}
	sw.flush()
	return nil
}

// handleStreamLogs follows a run's log events through the broker. Each event
// is sent as a data frame holding its JSON form; a "done" event marks the
// end of the run.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.engine.Get(id); errors.Is(err, engine.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}

	// Subscribe before sending headers. A run that already finished has a
	// closed topic, so the loop below ends immediately.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	defer trackStream(r)()
	sw := s.startSSE(w)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = sw.event("done", "stream complete")
				return
			}
			frame, err := logsink.FormatSSE(ev)
			if err != nil {
				s.logger.Error("format log event", "run_id", id, "error", err)
				continue
			}
			if err := sw.frame(frame); err != nil {
				return // Write failed (e.g. client gone).
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// handleStreamRun starts a run and streams its output as it is produced:
// a "run" event with the record, one "line" event per output line, then a
// "result" event or an "error" event, and finally "done". The run is
// cancelled if the client disconnects.
func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRun(w, r)
	if !ok {
		return
	}

	info, st, err := s.engine.Stream(r.Context(), req)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	defer st.Close()

	defer trackStream(r)()
	sw := s.startSSE(w)
	if err := sw.event("run", jsonString(info)); err != nil {
		return
	}
	for it := range st.All() {
		var err error
		switch it.Kind {
		case executor.KindLine:
			err = sw.event("line", jsonString(lineEvent{Stream: it.Line.Source, Line: it.Line.Text}))
		case executor.KindResult:
			err = sw.event("result", jsonString(engine.NewResultView(it.Result)))
		}
		if err != nil {
			return
		}
	}
	if err := st.Err(); err != nil {
		_ = sw.event("error", jsonString(errorResponse{Error: err.Error(), Kind: model.KindOf(err)}))
	}
	_ = sw.event("done", "stream complete")
}

// writeSSEData writes data as one SSE event, giving each line of a multi-line
// string its own "data:" field.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	return writeSSEData(w, data)
}
