package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ticket-gate/internal/status"
	"ticket-gate/models"
)

// ScanProcessor is the part of CheckInService a scanner session drives.
type ScanProcessor interface {
	Process(ctx context.Context, in ScanInput) models.ScanResult
}

// ScannerSession is the state machine behind one gate device:
//
//	idle -> initializing -> scanning -> processing -> valid|invalid|duplicate -> scanning|idle
//
// with camera_error and paused as side branches.
type ScannerSession struct {
	engine     ScanProcessor
	eventID    string
	deviceID   string
	operatorID string
	timeout    time.Duration

	mu    sync.Mutex
	state models.ScannerState
	last  *models.ScanResult
	seq   uint64
}

func NewScannerSession(engine ScanProcessor, eventID, deviceID, operatorID string, timeout time.Duration) *ScannerSession {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ScannerSession{
		engine:     engine,
		eventID:    eventID,
		deviceID:   deviceID,
		operatorID: operatorID,
		timeout:    timeout,
		state:      models.StateIdle,
	}
}

func (s *ScannerSession) State() models.ScannerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ScannerSession) LastResult() *models.ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

func (s *ScannerSession) transition(to models.ScannerState, from ...models.ScannerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to, from...)
}

func (s *ScannerSession) transitionLocked(to models.ScannerState, from ...models.ScannerState) error {
	for _, f := range from {
		if s.state == f {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", status.ErrInvalidTransition, s.state, to)
}

// Start begins camera initialization.
func (s *ScannerSession) Start() error {
	return s.transition(models.StateInitializing, models.StateIdle)
}

// CameraReady is reported once the camera delivers frames.
func (s *ScannerSession) CameraReady() error {
	return s.transition(models.StateScanning, models.StateInitializing)
}

func (s *ScannerSession) CameraFailed() error {
	return s.transition(models.StateCameraError, models.StateInitializing, models.StateScanning)
}

// Recover retries camera initialization after an error.
func (s *ScannerSession) Recover() error {
	return s.transition(models.StateInitializing, models.StateCameraError)
}

func (s *ScannerSession) Pause() error {
	return s.transition(models.StatePaused, models.StateScanning)
}

func (s *ScannerSession) Resume() error {
	return s.transition(models.StateScanning, models.StatePaused)
}

// Acknowledge dismisses the displayed result and returns to scanning.
func (s *ScannerSession) Acknowledge() error {
	return s.transition(models.StateScanning, models.StateValid, models.StateInvalid, models.StateDuplicate)
}

// Stop returns the session to idle from any state. A scan still in flight
// is discarded.
func (s *ScannerSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = models.StateIdle
	s.seq++
}

// Submit classifies one code. Processing is bounded by the session timeout;
// on stall the session goes back to scanning with a timeout result.
func (s *ScannerSession) Submit(ctx context.Context, code string, method models.ScanMethod) (models.ScanResult, error) {
	s.mu.Lock()
	if err := s.transitionLocked(models.StateProcessing, models.StateScanning); err != nil {
		s.mu.Unlock()
		return models.ScanResult{}, err
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	res, timedOut := processWithin(ctx, s.engine, ScanInput{
		EventID:    s.eventID,
		DeviceID:   s.deviceID,
		OperatorID: s.operatorID,
		Code:       code,
		Method:     method,
	}, s.timeout)
	next := res.State()
	if timedOut {
		next = models.StateScanning
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq != seq || s.state != models.StateProcessing {
		return res, fmt.Errorf("%w: session stopped during scan", status.ErrInvalidTransition)
	}
	s.state = next
	s.last = &res
	return res, nil
}

// processWithin runs one scan and gives up after timeout with a timeout
// result. The abandoned scan keeps running against a cancelled context.
func processWithin(ctx context.Context, engine ScanProcessor, in ScanInput, timeout time.Duration) (models.ScanResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan models.ScanResult, 1)
	go func() {
		done <- engine.Process(ctx, in)
	}()

	select {
	case res := <-done:
		return res, false
	case <-ctx.Done():
		res := invalid(models.CodeTimeout, "Scan took too long, please scan again")
		res.Method = in.Method
		res.ScannedAt = time.Now()
		return res, true
	}
}

// SessionView is what a gate UI polls to render its screen.
type SessionView struct {
	DeviceID   string              `json:"device_id"`
	EventID    string              `json:"event_id"`
	OperatorID string              `json:"operator_id"`
	State      models.ScannerState `json:"state"`
	LastResult *models.ScanResult  `json:"last_result,omitempty"`
}

func (s *ScannerSession) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := SessionView{
		DeviceID:   s.deviceID,
		EventID:    s.eventID,
		OperatorID: s.operatorID,
		State:      s.state,
	}
	if s.last != nil {
		r := *s.last
		v.LastResult = &r
	}
	return v
}

// ScannerRegistry keeps one scanner session per gate device. Scans from a
// device without a session are still bounded by the processing timeout.
type ScannerRegistry struct {
	engine  ScanProcessor
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]*ScannerSession
}

func NewScannerRegistry(engine ScanProcessor, timeout time.Duration) *ScannerRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ScannerRegistry{
		engine:   engine,
		timeout:  timeout,
		sessions: map[string]*ScannerSession{},
	}
}

// Open starts a fresh session for a device, stopping any previous one.
func (r *ScannerRegistry) Open(eventID, deviceID, operatorID string) (*ScannerSession, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id required", status.ErrInvalidTransition)
	}
	session := NewScannerSession(r.engine, eventID, deviceID, operatorID, r.timeout)
	if err := session.Start(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.sessions[deviceID]; ok {
		prev.Stop()
	}
	r.sessions[deviceID] = session
	return session, nil
}

func (r *ScannerRegistry) Session(deviceID string) (*ScannerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[deviceID]
	if !ok {
		return nil, fmt.Errorf("scanner session for device %s: %w", deviceID, status.ErrNotFound)
	}
	return session, nil
}

// Close stops and forgets a device's session.
func (r *ScannerRegistry) Close(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[deviceID]
	if !ok {
		return fmt.Errorf("scanner session for device %s: %w", deviceID, status.ErrNotFound)
	}
	session.Stop()
	delete(r.sessions, deviceID)
	return nil
}

// Scan routes a scan through the device's session when one is open. A
// result still on screen is acknowledged by the next scan.
func (r *ScannerRegistry) Scan(ctx context.Context, in ScanInput) (models.ScanResult, error) {
	r.mu.Lock()
	session, ok := r.sessions[in.DeviceID]
	r.mu.Unlock()
	if !ok || in.DeviceID == "" {
		res, _ := processWithin(ctx, r.engine, in, r.timeout)
		return res, nil
	}

	if session.eventID != in.EventID {
		return models.ScanResult{}, fmt.Errorf("%w: device %s is checking in event %s",
			status.ErrWrongEvent, in.DeviceID, session.eventID)
	}
	switch session.State() {
	case models.StateValid, models.StateInvalid, models.StateDuplicate:
		// Lost race with a concurrent acknowledge is harmless.
		_ = session.Acknowledge()
	}
	return session.Submit(ctx, in.Code, in.Method)
}
