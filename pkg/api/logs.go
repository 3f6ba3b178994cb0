package api

import (
	"bufio"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/volute/volute/pkg/log"
)

const logPollInterval = 500 * time.Millisecond

// tailBacklog is how much of the existing log a new stream replays.
const tailBacklog = 16 * 1024

// handleLogStream tails the daemon log as server-sent events, one event
// per line. The stream follows the file across rotation and stays open
// until the client disconnects.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	path := s.deps.Home.DaemonLogFile()
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "daemon log not available")
		return
	}
	defer func() { f.Close() }()

	var offset int64
	if info, err := f.Stat(); err == nil && info.Size() > tailBacklog {
		if pos, err := f.Seek(-tailBacklog, io.SeekEnd); err == nil {
			offset = pos
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	reader := bufio.NewReader(f)
	if offset > 0 {
		// Drop the partial line the seek landed in.
		if skipped, err := reader.ReadString('\n'); err == nil {
			offset += int64(len(skipped))
		}
	}

	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			offset += int64(len(line))
			if _, werr := w.Write([]byte("data: " + line + "\n")); werr != nil {
				return
			}
			flusher.Flush()
			continue
		}
		if err != nil && err != io.EOF {
			log.WithComponent("api").Debug().Err(err).Msg("log stream read failed")
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		// Rotation renames the live file aside and starts a fresh one,
		// so a shrunk size at path means our handle points at the old
		// inode. Reopen to follow the new file.
		if info, serr := os.Stat(path); serr == nil && info.Size() < offset {
			nf, oerr := os.Open(path)
			if oerr != nil {
				continue
			}
			f.Close()
			f = nf
			offset = 0
			reader.Reset(f)
		}
	}
}
