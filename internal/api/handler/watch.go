package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gradeflow/gradeflow/internal/api/response"
	"github.com/gradeflow/gradeflow/internal/broadcast"
	"github.com/gradeflow/gradeflow/internal/store"
	"github.com/gradeflow/gradeflow/pkg/models"
)

// keepAliveInterval spaces SSE comment lines so idle proxies do not cut the
// stream while a long job runs.
const keepAliveInterval = 15 * time.Second

// NewWatchJobHandler returns the handler for GET /api/v1/jobs/{jobID}/events.
// It streams live status messages as server-sent events until the job reaches
// a terminal state. Subscribing happens before the durable record is read, so
// a transition landing between the two is never missed: it arrives on the
// subscription instead.
func NewWatchJobHandler(svc JobService, b broadcast.Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "jobID")
		if !ok {
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Streaming is not supported", nil)
			return
		}

		ctx := r.Context()
		sub, err := b.Subscribe(ctx, id)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Could not open event stream", nil)
			return
		}
		defer sub.Close()

		job, err := svc.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if job.Terminal() {
			// already finished: replay a single terminal event from the record
			writeEvent(w, flusher, terminalMessage(job))
			return
		}

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-keepAlive.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case msg, open := <-sub.Messages():
				if !open {
					return
				}
				writeEvent(w, flusher, msg)
				if isTerminalMessage(msg) {
					return
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, msg string) {
	fmt.Fprint(w, "event: status\n")
	// multi-line payloads need one data: field per line
	for _, line := range strings.Split(msg, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
	flusher.Flush()
}

func terminalMessage(job *models.Job) string {
	if job.Status == models.JobStatusFailed {
		msg := "Failed"
		if job.ErrorMessage != nil {
			msg = "Failed: " + *job.ErrorMessage
		}
		return msg
	}
	return "Completed"
}

func isTerminalMessage(msg string) bool {
	return msg == "Completed" || strings.HasPrefix(msg, "Failed:")
}
