package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/codebuddy/internal/sandbox"
)

// rescanInterval bounds how long a request can go unnoticed if an fsnotify
// event is missed (bind mounts on some hosts do not deliver them).
const rescanInterval = 250 * time.Millisecond

type inputRequest struct {
	Seq    int64  `json:"seq"`
	Prompt string `json:"prompt"`
}

type inputResponse struct {
	Seq   int64  `json:"seq"`
	Value string `json:"value"`
	EOF   bool   `json:"eof,omitempty"`
}

// inputWatcher answers input requests written by the in-container shim into
// the session's io directory.
type inputWatcher struct {
	dir     string
	reqPath string
	rspPath string
	input   sandbox.InputFunc
	log     *logrus.Entry

	// lastSeq is the highest request already answered. A request file with
	// seq <= lastSeq is one we served and the shim has not yet deleted.
	lastSeq int64
}

func newInputWatcher(dir, sessionID string, input sandbox.InputFunc, log *logrus.Entry) *inputWatcher {
	return &inputWatcher{
		dir:     dir,
		reqPath: filepath.Join(dir, sessionID+".request"),
		rspPath: filepath.Join(dir, sessionID+".response"),
		input:   input,
		log:     log,
	}
}

// run serves requests until ctx is done.
func (w *inputWatcher) run(ctx context.Context) {
	var events <-chan fsnotify.Event
	var errs <-chan error
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warnf("fsnotify unavailable, polling only: %v", err)
	} else {
		defer fw.Close()
		if err := fw.Add(w.dir); err != nil {
			w.log.Warnf("watching %s: %v", w.dir, err)
		} else {
			events, errs = fw.Events, fw.Errors
		}
	}

	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()

	for {
		w.serve(ctx)
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
			} else {
				w.log.Debugf("watch error: %v", err)
			}
		case <-ticker.C:
		}
	}
}

// serve answers the current request file if it is new.
func (w *inputWatcher) serve(ctx context.Context) {
	data, err := os.ReadFile(w.reqPath)
	if err != nil {
		return
	}
	var req inputRequest
	if err := json.Unmarshal(data, &req); err != nil {
		w.log.Debugf("ignoring malformed request: %v", err)
		return
	}
	if req.Seq <= w.lastSeq {
		return
	}
	w.lastSeq = req.Seq

	value, err := w.input(ctx, req.Prompt)
	resp := inputResponse{Seq: req.Seq, Value: value, EOF: err != nil}
	if err := writeJSONAtomic(w.rspPath, resp); err != nil {
		w.log.Warnf("writing input response: %v", err)
	}
}

// writeJSONAtomic writes v to a temp file and renames it into place so the
// reader never sees a partial document.
func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o666); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %w", filepath.Base(tmp), err)
	}
	return nil
}
