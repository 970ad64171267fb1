package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/picklr-io/deckhand/internal/logging"
)

// stream consumes a build or push progress stream, logging each line at
// debug level. aux receives the auxiliary messages that carry image IDs and
// digests. An error message in the stream is returned as an error.
func stream(ctx context.Context, r io.Reader, aux func(*json.RawMessage)) error {
	w := &logWriter{log: logging.FromContext(ctx)}
	defer w.flush()
	return jsonmessage.DisplayJSONMessagesStream(r, w, 0, false, func(msg jsonmessage.JSONMessage) {
		if msg.Aux != nil {
			aux(msg.Aux)
		}
	})
}

// logWriter turns written text into one log record per line.
type logWriter struct {
	log *slog.Logger
	buf bytes.Buffer
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.buf.Next(i + 1)))
	}
	return len(p), nil
}

func (w *logWriter) flush() {
	w.emit(w.buf.String())
	w.buf.Reset()
}

func (w *logWriter) emit(line string) {
	if s := strings.TrimSpace(line); s != "" {
		w.log.Debug(s)
	}
}
