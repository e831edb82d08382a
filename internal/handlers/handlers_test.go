package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-gate/internal/secureqr"
	"ticket-gate/internal/services"
	"ticket-gate/internal/store"
	"ticket-gate/models"
)

type testEnv struct {
	mem       *store.MemoryStore
	checkin   *services.CheckInService
	scanners  *services.ScannerRegistry
	checkout  *services.CheckoutService
	inventory *services.InventoryService
	refunds   *services.RefundService
	user      *core.Record
	other     *core.Record
	staff     *core.Record
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mem := store.NewMemoryStore()
	signer, err := secureqr.NewSigner("handler-test-secret")
	require.NoError(t, err)

	inventory := services.NewInventoryService(mem, nil)
	issuance := services.NewIssuanceService(mem, signer, nil)
	env := &testEnv{
		mem:       mem,
		inventory: inventory,
		checkout:  services.NewCheckoutService(mem, inventory, issuance),
		refunds:   services.NewRefundService(mem, inventory, nil, nil),
		checkin:   services.NewCheckInService(services.CheckInDeps{Store: mem, Signer: signer}),
	}
	env.scanners = services.NewScannerRegistry(env.checkin, time.Second)
	t.Cleanup(env.checkin.Wait)

	users := core.NewAuthCollection("users")
	env.user = core.NewRecord(users)
	env.user.Id = "user-1"
	env.other = core.NewRecord(users)
	env.other.Id = "user-2"
	env.staff = core.NewRecord(core.NewAuthCollection("staff"))
	env.staff.Id = "staff-1"

	ctx := context.Background()
	require.NoError(t, mem.Put(ctx, store.Events, "evt-1", models.Event{
		ID: "evt-1", Title: "Harbour Lights", Date: time.Now().Add(72 * time.Hour), Status: "published",
	}))
	require.NoError(t, mem.Put(ctx, store.TicketTiers, "ga", models.TicketTier{
		ID: "ga", EventID: "evt-1", Name: "General", Quantity: 3, Price: decimal.NewFromInt(15),
	}))
	return env
}

func (env *testEnv) buy(t *testing.T, qty int) (*models.Booking, []models.Ticket) {
	t.Helper()
	ctx := context.Background()
	booking, err := env.checkout.Checkout(ctx, services.CheckoutRequest{
		UserID:  env.user.Id,
		EventID: "evt-1",
		Items:   []models.TierRequest{{TierID: "ga", Quantity: qty}},
	})
	require.NoError(t, err)
	res, err := env.checkout.ConfirmPayment(ctx, booking.ID, "pay-1")
	require.NoError(t, err)
	return res.Booking, res.Report.Tickets
}

func newEvent(method, target, body string, auth *core.Record, pathValues ...string) (*core.RequestEvent, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(pathValues); i += 2 {
		req.SetPathValue(pathValues[i], pathValues[i+1])
	}
	rec := httptest.NewRecorder()

	e := &core.RequestEvent{}
	e.Request = req
	e.Response = rec
	e.Auth = auth
	return e, rec
}

func apiStatus(t *testing.T, err error) int {
	t.Helper()
	var apiErr *router.ApiError
	require.True(t, errors.As(err, &apiErr), "expected an API error, got %v", err)
	return apiErr.Status
}

func TestCheckInHandler_Scan(t *testing.T) {
	env := newTestEnv(t)
	h := NewCheckInHandler(env.checkin, env.scanners)
	_, tickets := env.buy(t, 1)

	body, _ := json.Marshal(ScanRequest{EventID: "evt-1", DeviceID: "north-1", Code: tickets[0].QRData})

	t.Run("Requires auth", func(t *testing.T) {
		e, _ := newEvent(http.MethodPost, "/api/v1/checkin/scan", string(body), nil)
		assert.Equal(t, http.StatusUnauthorized, apiStatus(t, h.Scan(e)))
	})

	t.Run("Requires staff", func(t *testing.T) {
		e, _ := newEvent(http.MethodPost, "/api/v1/checkin/scan", string(body), env.user)
		assert.Equal(t, http.StatusForbidden, apiStatus(t, h.Scan(e)))
	})

	t.Run("Validates body", func(t *testing.T) {
		e, _ := newEvent(http.MethodPost, "/api/v1/checkin/scan", `{"event_id":"evt-1","method":"telepathy"}`, env.staff)
		assert.Equal(t, http.StatusBadRequest, apiStatus(t, h.Scan(e)))
	})

	t.Run("Admits then duplicate", func(t *testing.T) {
		e, rec := newEvent(http.MethodPost, "/api/v1/checkin/scan", string(body), env.staff)
		require.NoError(t, h.Scan(e))
		assert.Equal(t, http.StatusOK, rec.Code)

		var res models.ScanResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, models.ScanValid, res.Status)
		assert.Equal(t, models.MethodCamera, res.Method)

		e, rec = newEvent(http.MethodPost, "/api/v1/checkin/scan", string(body), env.staff)
		require.NoError(t, h.Scan(e))
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, models.ScanDuplicate, res.Status)
		require.NotNil(t, res.FirstCheckIn)
		assert.Equal(t, "staff-1", res.FirstCheckIn.By)
	})

	t.Run("Invalid codes are still 200", func(t *testing.T) {
		e, rec := newEvent(http.MethodPost, "/api/v1/checkin/scan", `{"event_id":"evt-1","code":"!!garbage!!"}`, env.staff)
		require.NoError(t, h.Scan(e))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), models.CodeMalformed)
	})
}

func TestCheckInHandler_Override(t *testing.T) {
	env := newTestEnv(t)
	h := NewCheckInHandler(env.checkin, env.scanners)
	_, tickets := env.buy(t, 1)

	e, rec := newEvent(http.MethodPost, "/api/v1/checkin/override",
		`{"ticket_id":"`+tickets[0].ID+`","event_id":"evt-1","reason":"re_entry"}`, env.staff)
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, h.Override(e)), "override needs a used ticket")

	env.checkin.Process(context.Background(), services.ScanInput{EventID: "evt-1", Code: tickets[0].QRData, Method: models.MethodCamera})

	e, rec = newEvent(http.MethodPost, "/api/v1/checkin/override",
		`{"ticket_id":"`+tickets[0].ID+`","event_id":"evt-1","reason":"re_entry"}`, env.staff)
	require.NoError(t, h.Override(e))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"overridden":true`)

	e, _ = newEvent(http.MethodPost, "/api/v1/checkin/override",
		`{"ticket_id":"`+tickets[0].ID+`","event_id":"evt-1","reason":"bribe"}`, env.staff)
	assert.Equal(t, http.StatusForbidden, apiStatus(t, h.Override(e)))
}

func TestTicketHandler(t *testing.T) {
	env := newTestEnv(t)
	h := NewTicketHandler(env.checkin)
	_, tickets := env.buy(t, 1)
	id := tickets[0].ID

	t.Run("Owner reads ticket", func(t *testing.T) {
		e, rec := newEvent(http.MethodGet, "/api/v1/tickets/"+id, "", env.user, "ticketId", id)
		require.NoError(t, h.GetTicket(e))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), id)
	})

	t.Run("Other users get 404", func(t *testing.T) {
		e, _ := newEvent(http.MethodGet, "/api/v1/tickets/"+id, "", env.other, "ticketId", id)
		assert.Equal(t, http.StatusNotFound, apiStatus(t, h.GetTicket(e)))
	})

	t.Run("Unknown ticket", func(t *testing.T) {
		e, _ := newEvent(http.MethodGet, "/api/v1/tickets/TKT-000000000000", "", env.staff, "ticketId", "TKT-000000000000")
		assert.Equal(t, http.StatusNotFound, apiStatus(t, h.GetTicket(e)))
	})

	t.Run("QR image", func(t *testing.T) {
		e, rec := newEvent(http.MethodGet, "/api/v1/tickets/"+id+"/qr.png?size=256", "", env.user, "ticketId", id)
		require.NoError(t, h.QRImage(e))
		assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
		assert.Equal(t, "\x89PNG", rec.Body.String()[:4])

		e, _ = newEvent(http.MethodGet, "/api/v1/tickets/"+id+"/qr.png?size=9", "", env.user, "ticketId", id)
		assert.Equal(t, http.StatusBadRequest, apiStatus(t, h.QRImage(e)))
	})

	t.Run("Regenerate", func(t *testing.T) {
		e, rec := newEvent(http.MethodPost, "/api/v1/tickets/"+id+"/regenerate", "", env.user, "ticketId", id)
		require.NoError(t, h.Regenerate(e))

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, float64(1), body["regenerated_count"])
		assert.NotEqual(t, tickets[0].QRData, body["qr_data"])
	})
}

func TestInventoryHandler_CheckAvailability(t *testing.T) {
	env := newTestEnv(t)
	h := NewInventoryHandler(env.inventory)

	e, rec := newEvent(http.MethodPost, "/api/v1/events/evt-1/availability",
		`{"items":[{"tier_id":"ga","quantity":5}]}`, nil, "eventId", "evt-1")
	require.NoError(t, h.CheckAvailability(e))

	var body struct {
		Available bool              `json:"available"`
		Shortages []models.Shortage `json:"shortages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Available)
	require.Len(t, body.Shortages, 1)
	assert.Equal(t, 3, body.Shortages[0].Available)

	e, _ = newEvent(http.MethodPost, "/api/v1/events/evt-1/availability",
		`{"items":[{"tier_id":"ga","quantity":0}]}`, nil, "eventId", "evt-1")
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, h.CheckAvailability(e)))
}

func TestCheckoutHandler(t *testing.T) {
	env := newTestEnv(t)
	h := NewCheckoutHandler(env.checkout)

	e, rec := newEvent(http.MethodPost, "/api/v1/checkout", `{"event_id":"evt-1","items":[{"tier_id":"ga","quantity":2}]}`, env.user)
	require.NoError(t, h.Create(e))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var booking models.Booking
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &booking))
	assert.Equal(t, models.BookingPending, booking.Status)

	e, _ = newEvent(http.MethodPost, "/api/v1/checkout", `{"event_id":"evt-1","items":[{"tier_id":"ga","quantity":2}]}`, env.user)
	assert.Equal(t, http.StatusConflict, apiStatus(t, h.Create(e)))

	e, _ = newEvent(http.MethodPost, "/api/v1/checkout/"+booking.ID+"/confirm", `{}`, env.user, "bookingId", booking.ID)
	assert.Equal(t, http.StatusForbidden, apiStatus(t, h.Confirm(e)))

	e, rec = newEvent(http.MethodPost, "/api/v1/checkout/"+booking.ID+"/confirm", `{"payment_id":"pay-9"}`, env.staff, "bookingId", booking.ID)
	require.NoError(t, h.Confirm(e))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"confirmed"`)

	e, _ = newEvent(http.MethodPost, "/api/v1/checkout/"+booking.ID+"/cancel", "", env.user, "bookingId", booking.ID)
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, h.Cancel(e)))
}

func TestRefundHandler(t *testing.T) {
	env := newTestEnv(t)
	h := NewRefundHandler(env.refunds)
	booking, _ := env.buy(t, 2)

	e, rec := newEvent(http.MethodGet, "/api/v1/bookings/"+booking.ID+"/refund-eligibility", "", env.other, "bookingId", booking.ID)
	require.NoError(t, h.Eligibility(e))
	assert.Contains(t, rec.Body.String(), `"eligible":false`)

	e, _ = newEvent(http.MethodPost, "/api/v1/bookings/"+booking.ID+"/refund", `{}`, env.user, "bookingId", booking.ID)
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, h.Refund(e)), "reason is required")

	e, rec = newEvent(http.MethodPost, "/api/v1/bookings/"+booking.ID+"/refund", `{"reason":"Double booked"}`, env.user, "bookingId", booking.ID)
	require.NoError(t, h.Refund(e))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)

	e, rec = newEvent(http.MethodPost, "/api/v1/bookings/"+booking.ID+"/refund", `{"reason":"Again"}`, env.user, "bookingId", booking.ID)
	require.NoError(t, h.Refund(e))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckInHandler_Sessions(t *testing.T) {
	env := newTestEnv(t)
	h := NewCheckInHandler(env.checkin, env.scanners)
	_, tickets := env.buy(t, 1)

	e, _ := newEvent(http.MethodPost, "/api/v1/checkin/devices/north-1/session", `{"event_id":"evt-1"}`, env.user, "deviceId", "north-1")
	assert.Equal(t, http.StatusForbidden, apiStatus(t, h.OpenSession(e)))

	e, rec := newEvent(http.MethodPost, "/api/v1/checkin/devices/north-1/session", `{"event_id":"evt-1"}`, env.staff, "deviceId", "north-1")
	require.NoError(t, h.OpenSession(e))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"initializing"`)

	body, _ := json.Marshal(ScanRequest{EventID: "evt-1", DeviceID: "north-1", Code: tickets[0].QRData})
	e, _ = newEvent(http.MethodPost, "/api/v1/checkin/scan", string(body), env.staff)
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, h.Scan(e)), "camera is not ready")

	e, _ = newEvent(http.MethodPost, "/api/v1/checkin/devices/north-1/session/teleport", "", env.staff, "deviceId", "north-1", "action", "teleport")
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, h.SessionAction(e)))

	e, rec = newEvent(http.MethodPost, "/api/v1/checkin/devices/north-1/session/camera-ready", "", env.staff, "deviceId", "north-1", "action", "camera-ready")
	require.NoError(t, h.SessionAction(e))
	assert.Contains(t, rec.Body.String(), `"state":"scanning"`)

	e, rec = newEvent(http.MethodPost, "/api/v1/checkin/scan", string(body), env.staff)
	require.NoError(t, h.Scan(e))
	assert.Contains(t, rec.Body.String(), `"status":"valid"`)

	e, rec = newEvent(http.MethodGet, "/api/v1/checkin/devices/north-1/session", "", env.staff, "deviceId", "north-1")
	require.NoError(t, h.GetSession(e))
	var view services.SessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, models.StateValid, view.State)
	require.NotNil(t, view.LastResult)
	assert.Equal(t, models.CodeAdmitted, view.LastResult.Code)

	e, rec = newEvent(http.MethodDelete, "/api/v1/checkin/devices/north-1/session", "", env.staff, "deviceId", "north-1")
	require.NoError(t, h.CloseSession(e))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	e, _ = newEvent(http.MethodGet, "/api/v1/checkin/devices/north-1/session", "", env.staff, "deviceId", "north-1")
	assert.Equal(t, http.StatusNotFound, apiStatus(t, h.GetSession(e)))
}

func TestCheckoutHandler_CancelChecksOwner(t *testing.T) {
	env := newTestEnv(t)
	h := NewCheckoutHandler(env.checkout)

	booking, err := env.checkout.Checkout(context.Background(), services.CheckoutRequest{
		UserID:  env.user.Id,
		EventID: "evt-1",
		Items:   []models.TierRequest{{TierID: "ga", Quantity: 2}},
	})
	require.NoError(t, err)

	e, _ := newEvent(http.MethodPost, "/api/v1/checkout/"+booking.ID+"/cancel", "", env.other, "bookingId", booking.ID)
	assert.Equal(t, http.StatusForbidden, apiStatus(t, h.Cancel(e)))

	e, rec := newEvent(http.MethodPost, "/api/v1/checkout/"+booking.ID+"/cancel", "", env.user, "bookingId", booking.ID)
	require.NoError(t, h.Cancel(e))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cancelled"`)
}

func TestCheckoutHandler_Integrity(t *testing.T) {
	env := newTestEnv(t)
	h := NewCheckoutHandler(env.checkout)
	booking, tickets := env.buy(t, 2)
	path := "/api/v1/bookings/" + booking.ID + "/integrity"

	e, _ := newEvent(http.MethodGet, path, "", env.user, "bookingId", booking.ID)
	assert.Equal(t, http.StatusForbidden, apiStatus(t, h.Integrity(e)))

	e, rec := newEvent(http.MethodGet, path, "", env.staff, "bookingId", booking.ID)
	require.NoError(t, h.Integrity(e))
	assert.Contains(t, rec.Body.String(), `"clean":true`)

	require.NoError(t, env.mem.Update(context.Background(), store.Tickets, tickets[0].ID, map[string]any{"qrData": tickets[1].QRData}))
	e, rec = newEvent(http.MethodGet, path, "", env.staff, "bookingId", booking.ID)
	require.NoError(t, h.Integrity(e))
	assert.Contains(t, rec.Body.String(), `"clean":false`)
	assert.Contains(t, rec.Body.String(), tickets[0].ID)

	e, _ = newEvent(http.MethodGet, "/api/v1/bookings/nope/integrity", "", env.staff, "bookingId", "nope")
	assert.Equal(t, http.StatusNotFound, apiStatus(t, h.Integrity(e)))
}
