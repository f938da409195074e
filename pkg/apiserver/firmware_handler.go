package apiserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/Peterbackson-desing/dashboard/pkg/model"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	mr, err := r.MultipartReader()
	if err != nil {
		s.metrics.IncError()
		s.metrics.IncUploadRejected()
		writeError(w, http.StatusBadRequest, "expected a multipart/form-data body")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.metrics.IncError()
			s.metrics.IncUploadRejected()
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeError(w, http.StatusRequestEntityTooLarge, "firmware exceeds the size limit")
				return
			}
			writeError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		field := part.FormName()
		if part.FileName() == "" || (field != "firmware" && field != "file") {
			part.Close()
			continue
		}

		art, err := s.deps.Artifacts.Store(r.Context(), part, part.FileName(), sess.Subject)
		part.Close()
		if err != nil {
			s.metrics.IncUploadRejected()
			s.fail(w, r, err)
			return
		}
		s.metrics.IncUpload(art.Size)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":  "firmware uploaded",
			"firmware": art,
		})
		return
	}

	s.metrics.IncError()
	s.metrics.IncUploadRejected()
	writeError(w, http.StatusBadRequest, "no file received")
}

func (s *Server) handleListFirmware(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Artifacts.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]model.Artifact{"firmwares": list})
}

// handleFetchFirmware serves a stored binary. Devices call it without a
// token.
func (s *Server) handleFetchFirmware(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncRequest()
	name := r.PathValue("filename")
	rc, size, err := s.deps.Artifacts.Open(r.Context(), name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if a, err := s.deps.Artifacts.Lookup(r.Context(), name); err == nil && a.SHA256 != "" {
		w.Header().Set("X-Checksum-Sha256", a.SHA256)
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("firmware download interrupted", "filename", name, "error", err)
	}
}

type triggerRequest struct {
	DeviceID         string `json:"deviceId"`
	FirmwareFilename string `json:"firmwareFilename"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	res, err := s.deps.Trigger.Trigger(r.Context(), sessionFrom(r), req.DeviceID, req.FirmwareFilename)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":     "OTA command sent",
		"device":      res.Device,
		"firmwareUrl": res.FirmwareURL,
	})
}

func (s *Server) handleOtaLogs(w http.ResponseWriter, _ *http.Request) {
	logs := []model.OtaLogLine{}
	if s.deps.Relay != nil {
		logs = s.deps.Relay.Snapshot().OtaLogs
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}
