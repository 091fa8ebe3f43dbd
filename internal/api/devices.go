package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/espbridge/internal/bridge"
	"github.com/nerrad567/espbridge/internal/device"
	"github.com/nerrad567/espbridge/internal/infrastructure/mqtt"
)

// ChannelDeviceDeleted is broadcast when an operator deletes a device.
const ChannelDeviceDeleted = "device.deleted"

// defaultPublishMessage is sent when a publish request carries no message.
const defaultPublishMessage = "showsetting"

// deviceView is a device as returned by the API.
type deviceView struct {
	*device.Device
	Registered   bool   `json:"registered"`
	ControlTopic string `json:"control_topic"`
}

func (s *Server) view(dev *device.Device) deviceView {
	return deviceView{
		Device:       dev,
		Registered:   dev.HasToken(),
		ControlTopic: s.engine.ControlTopic(dev.ID),
	}
}

// handleListDevices returns devices, optionally filtered by account.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := device.Filter{}

	if v := q.Get("account_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeBadRequest(w, "invalid account_id")
			return
		}
		filter.AccountID = id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "invalid limit")
			return
		}
		filter.Limit = n
	}
	filter.HasToken = q.Get("registered") == "true"

	devs, err := s.devices.Find(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	views := make([]deviceView, 0, len(devs))
	for i := range devs {
		views = append(views, s.view(&devs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": views,
		"count":   len(views),
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(dev))
}

// discoverRequest asks one sensor to register with a token.
type discoverRequest struct {
	MACAddress string `json:"mac_address"`
	MAC        string `json:"mac"`
	Token      string `json:"token"`
}

// handleDiscover requests a targeted registration. The pending entry is
// kept even when the discover cannot be published, so a later broadcast can
// still complete it.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	mac := strings.TrimSpace(req.MACAddress)
	if mac == "" {
		mac = strings.TrimSpace(req.MAC)
	}
	if mac == "" || strings.TrimSpace(req.Token) == "" {
		writeBadRequest(w, "mac_address and token are required")
		return
	}

	sent, err := s.engine.RequestRegistration(r.Context(), mac, req.Token)
	if errors.Is(err, bridge.ErrMissingIdentity) {
		writeBadRequest(w, "invalid mac_address")
		return
	}
	if err != nil {
		s.logger.Error("requesting registration", "mac", mac, "error", err)
		writeInternalError(w, "failed to request registration")
		return
	}

	if !sent {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":      "queued",
			"mac_address": device.NormalizeMAC(mac),
			"message":     "discover not published; waiting for the bus",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "sent",
		"mac_address": device.NormalizeMAC(mac),
	})
}

// handleReregister clears the device's token and lets it register once more
// even when re-registration is disabled.
func (s *Server) handleReregister(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}

	dev.Token = ""
	dev.Active = false
	if err := s.devices.Save(r.Context(), dev); err != nil {
		s.logger.Error("clearing device token", "device_id", dev.ID, "error", err)
		writeInternalError(w, "failed to update device")
		return
	}

	if !dev.IsPlaceholder() {
		s.engine.RequestReregister(dev.ESPID)
	}
	if dev.MAC != "" {
		s.engine.RequestReregister(dev.MAC)
	}
	s.logger.Info("device marked for re-registration", "device_id", dev.ID, "esp_id", dev.ESPID)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "device marked for re-registration",
	})
}

func (s *Server) handleLatestSettings(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	if !dev.HasToken() {
		writeBadRequest(w, "token not set for this device")
		return
	}

	settings, at, ok := s.engine.LatestSettings(dev.ID)
	if !ok {
		writeNotFound(w, "settings not available yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":   dev.ID,
		"received_at": at.UTC().Format(time.RFC3339),
		"settings":    settings,
	})
}

// publishRequest is a raw command for one device.
type publishRequest struct {
	TopicBase   string          `json:"topic_base"`
	Message     json.RawMessage `json:"message"`
	Payload     json.RawMessage `json:"payload"`
	AppendToken *bool           `json:"append_token"`
}

// handlePublish sends a raw command to a device. With append_token (the
// default) the topic is topic_base-<token>; otherwise the shared control
// topic resolves to the device's session topic.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.mqtt == nil || !s.mqtt.IsConnected() {
		writeUnavailable(w, "MQTT client not connected")
		return
	}
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	var req publishRequest
	if !decodeBody(w, r, &req) {
		return
	}

	base := strings.TrimSpace(req.TopicBase)
	if base == "" {
		base = s.controlBase()
	}

	var topic string
	switch {
	case req.AppendToken == nil || *req.AppendToken:
		if !dev.HasToken() {
			writeBadRequest(w, "token not set for this device")
			return
		}
		topic = mqtt.Topics{}.Control(base, dev.Token)
	case strings.EqualFold(base, s.controlBase()):
		topic = s.engine.ControlTopic(dev.ID)
	default:
		topic = base
	}

	body, err := publishBody(req)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if err := s.mqtt.Publish(topic, body, 0, false); err != nil {
		s.logger.Warn("publish to device failed", "device_id", dev.ID, "topic", topic, "error", err)
		writeUnavailable(w, "publish failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "sent",
		"topic":   topic,
		"payload": string(body),
	})
}

// publishBody picks the wire payload: compact JSON from payload, else the
// message text. A structured message is sent as its JSON text.
func publishBody(req publishRequest) ([]byte, error) {
	if len(req.Payload) > 0 && !bytes.Equal(req.Payload, []byte("null")) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, req.Payload); err != nil {
			return nil, errors.New("payload must be valid JSON")
		}
		return buf.Bytes(), nil
	}

	if len(req.Message) == 0 || bytes.Equal(req.Message, []byte("null")) {
		return []byte(defaultPublishMessage), nil
	}
	var text string
	if err := json.Unmarshal(req.Message, &text); err == nil {
		return []byte(text), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, req.Message); err != nil {
		return nil, errors.New("message must be valid JSON")
	}
	return buf.Bytes(), nil
}

// handleDeleteDevice removes a device with its token, profile and events,
// and drops its in-memory state.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := s.devices.Delete(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("deleting device", "device_id", id, "error", err)
		writeInternalError(w, "failed to delete device")
		return
	}
	s.engine.ForgetDevice(id)
	if s.hub != nil {
		s.hub.Broadcast(ChannelDeviceDeleted, map[string]any{"id": id})
	}
	s.logger.Info("device deleted", "device_id", id)

	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id})
}

func (s *Server) controlBase() string {
	if s.controlTopic != "" {
		return s.controlTopic
	}
	return mqtt.TopicControl
}

// loadDevice resolves the {id} path parameter, writing the error response
// itself when it fails.
func (s *Server) loadDevice(w http.ResponseWriter, r *http.Request) (*device.Device, bool) {
	id, ok := parseID(w, r)
	if !ok {
		return nil, false
	}
	dev, err := s.devices.GetByID(r.Context(), id)
	if errors.Is(err, device.ErrDeviceNotFound) {
		writeNotFound(w, "device not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("loading device", "device_id", id, "error", err)
		writeInternalError(w, "failed to load device")
		return nil, false
	}
	return dev, true
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "invalid device id")
		return 0, false
	}
	return id, true
}

// decodeBody reads a JSON request body. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "request body too large")
			return false
		}
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}
