package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/dispatch/pkg/common"
	"github.com/velora/dispatch/pkg/logger"
	"github.com/velora/dispatch/pkg/models"
	"github.com/velora/dispatch/pkg/ratelimit"
	ws "github.com/velora/dispatch/pkg/websocket"
)

const handlerTimeout = 10 * time.Second

// RideCore is the ride lifecycle surface the socket layer drives.
type RideCore interface {
	RequestRide(ctx context.Context, riderID uuid.UUID, socketID string, req *models.RideRequest) (*models.Ride, error)
	AcceptRide(ctx context.Context, rideID, driverID uuid.UUID, driverSocketID string) (*models.Ride, error)
	RejectRide(ctx context.Context, rideID, driverID uuid.UUID) (bool, error)
	MarkArrived(ctx context.Context, rideID, driverID uuid.UUID) (*models.Ride, error)
	VerifyStartOTP(ctx context.Context, rideID, driverID uuid.UUID, otp string) (*models.Ride, error)
	VerifyStopOTP(ctx context.Context, rideID, driverID uuid.UUID, otp string) (*models.Ride, error)
	StartRide(ctx context.Context, rideID, driverID uuid.UUID, otp string) (*models.Ride, error)
	CompleteRide(ctx context.Context, rideID, driverID uuid.UUID, otp string, trackedKm float64) (*models.Ride, error)
	CancelRide(ctx context.Context, rideID uuid.UUID, by models.CancelledBy, reason string) (*models.Ride, error)
	GetRide(ctx context.Context, rideID uuid.UUID) (*models.Ride, error)
}

// RideDirectory is the socket bookkeeping slice of ride storage.
type RideDirectory interface {
	ActiveRidesForIdentity(ctx context.Context, id uuid.UUID) ([]*models.Ride, error)
	UpdateRiderSocket(ctx context.Context, rideID uuid.UUID, socketID string) error
	UpdateDriverSocket(ctx context.Context, rideID uuid.UUID, socketID string) error
}

// PresenceRegistry is the driver presence surface the socket layer drives.
type PresenceRegistry interface {
	Connect(ctx context.Context, driverID uuid.UUID, socketID string) (*models.Driver, error)
	Disconnect(ctx context.Context, driverID uuid.UUID, socketID string) error
	Heartbeat(ctx context.Context, driverID uuid.UUID, loc models.Location) error
	SetActive(ctx context.Context, driverID uuid.UUID, active bool) error
	MarkBusy(ctx context.Context, driverID uuid.UUID, until *time.Time) error
	ClearBusy(ctx context.Context, driverID uuid.UUID) error
	Snapshot(ctx context.Context, driverID uuid.UUID) (*models.DriverPresence, error)
}

// EventLimiter throttles inbound socket events per identity.
type EventLimiter interface {
	Allow(ctx context.Context, scope, key string) (*ratelimit.Result, error)
}

// Service routes socket events between clients and the dispatch core. Every
// event referencing a ride is authorized against the rider or the assigned
// driver before it does anything.
type Service struct {
	hub       *ws.Hub
	rides     RideCore
	directory RideDirectory
	presence  PresenceRegistry
	limiter   EventLimiter
}

// NewService wires the socket event handlers onto the hub.
func NewService(hub *ws.Hub, rides RideCore, directory RideDirectory, presence PresenceRegistry, limiter EventLimiter) *Service {
	s := &Service{
		hub:       hub,
		rides:     rides,
		directory: directory,
		presence:  presence,
		limiter:   limiter,
	}
	s.registerHandlers()
	return s
}

func (s *Service) registerHandlers() {
	s.hub.RegisterHandler("riderConnect", s.handleRiderConnect)
	s.hub.RegisterHandler("driverConnect", s.handleDriverConnect)
	s.hub.RegisterHandler("adminConnect", s.handleAdminConnect)
	s.hub.RegisterHandler("newRideRequest", s.handleNewRideRequest)
	s.hub.RegisterHandler("rideAccepted", s.handleRideAccepted)
	s.hub.RegisterHandler("rideRejected", s.handleRideRejected)
	s.hub.RegisterHandler("driverArrived", s.handleDriverArrived)
	s.hub.RegisterHandler("verifyStartOtp", s.handleVerifyStartOTP)
	s.hub.RegisterHandler("rideStarted", s.handleRideStarted)
	s.hub.RegisterHandler("verifyStopOtp", s.handleVerifyStopOTP)
	s.hub.RegisterHandler("rideCompleted", s.handleRideCompleted)
	s.hub.RegisterHandler("rideCancelled", s.handleRideCancelled)
	s.hub.RegisterHandler("driverToggleStatus", s.handleDriverToggleStatus)
	s.hub.RegisterHandler("driverLocationUpdate", s.handleDriverLocationUpdate)
	s.hub.RegisterHandler("joinRideRoom", s.handleJoinRideRoom)
	s.hub.RegisterHandler("leaveRideRoom", s.handleLeaveRideRoom)
}

// ========================================
// CONNECTION LIFECYCLE
// ========================================

func (s *Service) handleRiderConnect(client *ws.Client, msg *ws.Message) {
	if client.Role != "rider" {
		return
	}
	ctx, cancel := s.ctx()
	defer cancel()

	riderID, err := uuid.Parse(client.Identity)
	if err != nil {
		return
	}

	s.hub.JoinRoom(client.SocketID, ws.UserRoom(client.Identity))
	s.rejoinActiveRides(ctx, client, riderID)

	logger.Debug("rider connected",
		zap.String("rider_id", client.Identity),
		zap.String("socket_id", client.SocketID))
}

func (s *Service) handleDriverConnect(client *ws.Client, msg *ws.Message) {
	if client.Role != "driver" {
		return
	}
	ctx, cancel := s.ctx()
	defer cancel()

	driverID, err := uuid.Parse(client.Identity)
	if err != nil {
		return
	}

	if _, err := s.presence.Connect(ctx, driverID, client.SocketID); err != nil {
		logger.Warn("driver presence connect failed",
			zap.String("driver_id", client.Identity), zap.Error(err))
		return
	}

	s.hub.JoinRoom(client.SocketID, ws.DriverRoom(client.Identity))
	s.rejoinActiveRides(ctx, client, driverID)
}

func (s *Service) handleAdminConnect(client *ws.Client, msg *ws.Message) {
	if client.Role != "admin" {
		return
	}
	s.hub.JoinRoom(client.SocketID, ws.AdminRoom)
}

// HandleDisconnect runs presence cleanup when a socket closes. Registered as
// the client's OnClose hook.
func (s *Service) HandleDisconnect(client *ws.Client) {
	if client.Role != "driver" {
		return
	}
	ctx, cancel := s.ctx()
	defer cancel()

	driverID, err := uuid.Parse(client.Identity)
	if err != nil {
		return
	}
	if err := s.presence.Disconnect(ctx, driverID, client.SocketID); err != nil {
		logger.Warn("driver presence disconnect failed",
			zap.String("driver_id", client.Identity), zap.Error(err))
	}
}

// rejoinActiveRides re-subscribes a reconnecting identity to every live
// ride's room and refreshes the durable socket id on each ride row.
func (s *Service) rejoinActiveRides(ctx context.Context, client *ws.Client, identity uuid.UUID) {
	rides, err := s.directory.ActiveRidesForIdentity(ctx, identity)
	if err != nil {
		logger.Warn("active ride lookup failed on reconnect",
			zap.String("identity", identity.String()), zap.Error(err))
		return
	}
	for _, ride := range rides {
		s.hub.JoinRoom(client.SocketID, ws.RideRoom(ride.ID.String()))
		if client.Role == "rider" {
			err = s.directory.UpdateRiderSocket(ctx, ride.ID, client.SocketID)
		} else {
			err = s.directory.UpdateDriverSocket(ctx, ride.ID, client.SocketID)
		}
		if err != nil {
			logger.Warn("socket refresh failed",
				zap.String("ride_id", ride.ID.String()), zap.Error(err))
		}
	}
}

// ========================================
// RIDER CHANNEL
// ========================================

func (s *Service) handleNewRideRequest(client *ws.Client, msg *ws.Message) {
	if client.Role != "rider" || !s.allow(client) {
		return
	}
	ctx, cancel := s.ctx()
	defer cancel()

	riderID, err := uuid.Parse(client.Identity)
	if err != nil {
		return
	}

	var req models.RideRequest
	if !decodeData(msg.Data, &req) {
		s.emitError(client, nil, common.NewValidationError("malformed ride request"))
		return
	}

	ride, err := s.rides.RequestRide(ctx, riderID, client.SocketID, &req)
	if err != nil {
		s.emitError(client, nil, err)
		return
	}

	s.hub.JoinRoom(client.SocketID, ws.RideRoom(ride.ID.String()))

	// The rider holds both codes; the driver must acquire them verbally.
	client.SendMessage(ws.NewMessage("rideRequested", map[string]interface{}{
		"ride":     ride,
		"startOtp": ride.StartOTP,
		"stopOtp":  ride.StopOTP,
	}))
}

func (s *Service) handleRideCancelled(client *ws.Client, msg *ws.Message) {
	if !s.allow(client) {
		return
	}
	ctx, cancel := s.ctx()
	defer cancel()

	ride, rideID, ok := s.authorizedRide(ctx, client, msg)
	if !ok {
		return
	}

	by := models.CancelledByRider
	if client.Role == "driver" {
		by = models.CancelledByDriver
	}
	reason, _ := msg.Data["reason"].(string)

	wasRequested := ride.Status == models.RideStatusRequested
	cancelled, err := s.rides.CancelRide(ctx, rideID, by, reason)
	if err != nil {
		s.emitError(client, &rideID, err)
		return
	}

	payload := map[string]interface{}{"ride": cancelled}
	s.hub.EmitToRoom(ws.RideRoom(rideID.String()), ws.NewMessage("rideCancelled", payload))
	if client.Role == "driver" {
		s.emitToRider(cancelled, ws.NewMessage("rideCancelled", payload))
		if did, err := uuid.Parse(client.Identity); err == nil {
			s.clearBusy(ctx, did)
		}
	} else {
		s.emitToDriver(cancelled, ws.NewMessage("rideCancelled", payload))
	}

	// A request cancelled before acceptance invalidates outstanding offers.
	if wasRequested {
		s.emitNoLongerAvailable(ctx, cancelled, uuid.Nil)
	}
}

func (s *Service) handleJoinRideRoom(client *ws.Client, msg *ws.Message) {
	ctx, cancel := s.ctx()
	defer cancel()

	_, rideID, ok := s.authorizedRide(ctx, client, msg)
	if !ok {
		return
	}
	s.hub.JoinRoom(client.SocketID, ws.RideRoom(rideID.String()))
}

func (s *Service) handleLeaveRideRoom(client *ws.Client, msg *ws.Message) {
	rideID, err := uuid.Parse(msg.RideID)
	if err != nil {
		return
	}
	s.hub.LeaveRoom(client.SocketID, ws.RideRoom(rideID.String()))
}

// ========================================
// DRIVER CHANNEL
// ========================================

func (s *Service) handleRideAccepted(client *ws.Client, msg *ws.Message) {
	if client.Role != "driver" || !s.allow(client) {
		return
	}
	ctx, cancel := s.ctx()
	defer cancel()

	driverID, err := uuid.Parse(client.Identity)
	if err != nil {
		return
	}
	rideID, err := uuid.Parse(msg.RideID)
	if err != nil {
		return
	}

	ride, err := s.rides.AcceptRide(ctx, rideID, driverID, client.SocketID)
	if err != nil {
		s.emitError(client, &rideID, err)
		return
	}

	s.markBusy(ctx, driverID)

	// Force-join winner and rider into the ride room before either client
	// subscribes itself.
	rideRoom := ws.RideRoom(rideID.String())
	s.hub.JoinRoom(client.SocketID, rideRoom)
	if ride.UserSocketID != nil {
		s.hub.JoinRoom(*ride.UserSocketID, rideRoom)
	}

	payload := map[string]interface{}{"ride": ride}
	s.emitToRider(ride, ws.NewMessage("rideAccepted", payload))
	client.SendMessage(ws.NewMessage("rideAssigned", payload))
	s.emitNoLongerAvailable(ctx, ride, driverID)

	logger.Info("ride accepted over socket",
		zap.String("ride_id", rideID.String()),
		zap.String("driver_id", driverID.String()))
}

func (s *Service) handleRideRejected(client *ws.Client, msg *ws.Message) {
	if client.Role != "driver" || !s.allow(client) {
		return
	}
	ctx, cancel := s.ctx()
	defer cancel()

	driverID, err := uuid.Parse(client.Identity)
	if err != nil {
		return
	}
	rideID, err := uuid.Parse(msg.RideID)
	if err != nil {
		return
	}

	// A rejecting driver is never left busy, whatever the ride's state.
	defer s.clearBusy(ctx, driverID)

	if _, err := s.rides.RejectRide(ctx, rideID, driverID); err != nil {
		s.emitError(client, &rideID, err)
	}
}

func (s *Service) handleDriverArrived(client *ws.Client, msg *ws.Message) {
	ride, _, ok := s.driverRideCall(client, msg, func(ctx context.Context, rideID, driverID uuid.UUID) (*models.Ride, error) {
		return s.rides.MarkArrived(ctx, rideID, driverID)
	})
	if !ok {
		return
	}

	payload := map[string]interface{}{"ride": ride}
	s.hub.EmitToRoom(ws.RideRoom(ride.ID.String()), ws.NewMessage("driverArrived", payload))
	s.emitToRider(ride, ws.NewMessage("driverArrived", payload))
}

func (s *Service) handleVerifyStartOTP(client *ws.Client, msg *ws.Message) {
	s.verifyOTP(client, msg, s.rides.VerifyStartOTP)
}

func (s *Service) handleVerifyStopOTP(client *ws.Client, msg *ws.Message) {
	s.verifyOTP(client, msg, s.rides.VerifyStopOTP)
}

// verifyOTP runs a pure code check: no state changes either way.
func (s *Service) verifyOTP(client *ws.Client, msg *ws.Message, check func(context.Context, uuid.UUID, uuid.UUID, string) (*models.Ride, error)) {
	if client.Role != "driver" || !s.allow(client) {
		return
	}
	ctx, cancel := s.ctx()
	defer cancel()

	driverID, err := uuid.Parse(client.Identity)
	if err != nil {
		return
	}
	rideID, err := uuid.Parse(msg.RideID)
	if err != nil {
		return
	}
	otp, _ := msg.Data["otp"].(string)

	ride, err := check(ctx, rideID, driverID, otp)
	if err != nil {
		client.SendMessage(ws.NewMessage("otpVerificationFailed", map[string]interface{}{
			"message": userFacingMessage(err),
			"rideId":  rideID.String(),
		}))
		return
	}
	client.SendMessage(ws.NewMessage("otpVerified", map[string]interface{}{
		"success": true,
		"ride":    ride,
	}))
}

func (s *Service) handleRideStarted(client *ws.Client, msg *ws.Message) {
	otp, _ := msg.Data["otp"].(string)
	ride, _, ok := s.driverRideCall(client, msg, func(ctx context.Context, rideID, driverID uuid.UUID) (*models.Ride, error) {
		return s.rides.StartRide(ctx, rideID, driverID, otp)
	})
	if !ok {
		return
	}

	payload := map[string]interface{}{"ride": ride}
	s.hub.EmitToRoom(ws.RideRoom(ride.ID.String()), ws.NewMessage("rideStarted", payload))
	s.emitToRider(ride, ws.NewMessage("rideStarted", payload))
}

func (s *Service) handleRideCompleted(client *ws.Client, msg *ws.Message) {
	otp, _ := msg.Data["otp"].(string)
	trackedKm, _ := msg.Data["distanceKm"].(float64)

	ride, driverID, ok := s.driverRideCall(client, msg, func(ctx context.Context, rideID, driverID uuid.UUID) (*models.Ride, error) {
		return s.rides.CompleteRide(ctx, rideID, driverID, otp, trackedKm)
	})
	if !ok {
		return
	}

	ctx, cancel := s.ctx()
	defer cancel()
	s.clearBusy(ctx, driverID)

	payload := map[string]interface{}{"ride": ride}
	s.hub.EmitToRoom(ws.RideRoom(ride.ID.String()), ws.NewMessage("rideCompleted", payload))
	s.emitToRider(ride, ws.NewMessage("rideCompleted", payload))
	client.SendMessage(ws.NewMessage("rideCompleted", payload))
}

func (s *Service) handleDriverToggleStatus(client *ws.Client, msg *ws.Message) {
	if client.Role != "driver" {
		return
	}
	ctx, cancel := s.ctx()
	defer cancel()

	driverID, err := uuid.Parse(client.Identity)
	if err != nil {
		return
	}
	active, _ := msg.Data["isActive"].(bool)

	if err := s.presence.SetActive(ctx, driverID, active); err != nil {
		logger.Warn("driver status toggle failed",
			zap.String("driver_id", client.Identity), zap.Error(err))
		return
	}
	client.SendMessage(ws.NewMessage("driverStatusUpdate", map[string]interface{}{
		"driverId": client.Identity,
		"isActive": active,
	}))
}

func (s *Service) handleDriverLocationUpdate(client *ws.Client, msg *ws.Message) {
	if client.Role != "driver" {
		return
	}
	ctx, cancel := s.ctx()
	defer cancel()

	driverID, err := uuid.Parse(client.Identity)
	if err != nil {
		return
	}

	raw, ok := msg.Data["location"]
	if !ok {
		return
	}
	var loc models.Location
	if !decodeValue(raw, &loc) {
		return
	}

	if err := s.presence.Heartbeat(ctx, driverID, loc); err != nil {
		logger.Warn("heartbeat failed",
			zap.String("driver_id", client.Identity), zap.Error(err))
		return
	}

	// Mid-ride positions are forwarded to the ride room so the rider can
	// track the car.
	if msg.RideID == "" {
		return
	}
	if _, rideID, ok := s.authorizedRide(ctx, client, msg); ok {
		s.hub.EmitToRoom(ws.RideRoom(rideID.String()), ws.NewMessage("driverLocationUpdate", map[string]interface{}{
			"driverId": client.Identity,
			"rideId":   rideID.String(),
			"location": loc,
		}))
	}
}

// ========================================
// HELPERS
// ========================================

// driverRideCall wraps the shared shape of driver lifecycle events: parse,
// authorize via the service call, emit rideError on failure.
func (s *Service) driverRideCall(client *ws.Client, msg *ws.Message, call func(context.Context, uuid.UUID, uuid.UUID) (*models.Ride, error)) (*models.Ride, uuid.UUID, bool) {
	if client.Role != "driver" || !s.allow(client) {
		return nil, uuid.Nil, false
	}
	ctx, cancel := s.ctx()
	defer cancel()

	driverID, err := uuid.Parse(client.Identity)
	if err != nil {
		return nil, uuid.Nil, false
	}
	rideID, err := uuid.Parse(msg.RideID)
	if err != nil {
		return nil, uuid.Nil, false
	}

	ride, err := call(ctx, rideID, driverID)
	if err != nil {
		s.emitError(client, &rideID, err)
		return nil, uuid.Nil, false
	}
	return ride, driverID, true
}

// authorizedRide loads the ride named by the message and verifies the caller
// is its rider or assigned driver.
func (s *Service) authorizedRide(ctx context.Context, client *ws.Client, msg *ws.Message) (*models.Ride, uuid.UUID, bool) {
	rideID, err := uuid.Parse(msg.RideID)
	if err != nil {
		return nil, uuid.Nil, false
	}
	ride, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		s.emitError(client, &rideID, err)
		return nil, uuid.Nil, false
	}

	identity, err := uuid.Parse(client.Identity)
	if err != nil {
		return nil, uuid.Nil, false
	}
	if ride.RiderID != identity && (ride.DriverID == nil || *ride.DriverID != identity) {
		logger.Warn("unauthorized ride event",
			zap.String("ride_id", rideID.String()),
			zap.String("identity", client.Identity),
			zap.String("event", msg.Event))
		return nil, uuid.Nil, false
	}
	return ride, rideID, true
}

// emitToRider targets the user room plus the last known socket; the double
// emission covers room-membership race windows.
func (s *Service) emitToRider(ride *models.Ride, msg *ws.Message) {
	s.hub.EmitToRoom(ws.UserRoom(ride.RiderID.String()), msg)
	if ride.UserSocketID != nil && *ride.UserSocketID != "" {
		s.hub.EmitToSocket(*ride.UserSocketID, msg)
	}
}

func (s *Service) emitToDriver(ride *models.Ride, msg *ws.Message) {
	if ride.DriverID == nil {
		return
	}
	s.hub.EmitToRoom(ws.DriverRoom(ride.DriverID.String()), msg)
	if ride.DriverSocketID != nil && *ride.DriverSocketID != "" {
		s.hub.EmitToSocket(*ride.DriverSocketID, msg)
	}
}

// emitNoLongerAvailable tells every notified driver except the winner that
// the offer is gone, via their current sockets.
func (s *Service) emitNoLongerAvailable(ctx context.Context, ride *models.Ride, winner uuid.UUID) {
	msg := ws.NewMessage("rideNoLongerAvailable", map[string]interface{}{
		"rideId": ride.ID.String(),
	})
	for _, driverID := range ride.NotifiedDrivers {
		if driverID == winner {
			continue
		}
		snap, err := s.presence.Snapshot(ctx, driverID)
		if err != nil || snap.SocketID == "" {
			continue
		}
		s.hub.EmitToSocket(snap.SocketID, msg)
	}
}

func (s *Service) emitError(client *ws.Client, rideID *uuid.UUID, err error) {
	data := map[string]interface{}{
		"code":    errorCode(err),
		"message": userFacingMessage(err),
	}
	if rideID != nil {
		data["rideId"] = rideID.String()
	}
	client.SendMessage(ws.NewMessage("rideError", data))
}

func (s *Service) markBusy(ctx context.Context, driverID uuid.UUID) {
	if err := s.presence.MarkBusy(ctx, driverID, nil); err != nil {
		logger.Warn("mark busy failed", zap.String("driver_id", driverID.String()), zap.Error(err))
	}
}

func (s *Service) clearBusy(ctx context.Context, driverID uuid.UUID) {
	if err := s.presence.ClearBusy(ctx, driverID); err != nil {
		logger.Warn("clear busy failed", zap.String("driver_id", driverID.String()), zap.Error(err))
	}
}

// allow applies the per-identity socket event budget. Over-limit events are
// dropped; the client is expected to back off on silence.
func (s *Service) allow(client *ws.Client) bool {
	if s.limiter == nil {
		return true
	}
	ctx, cancel := s.ctx()
	defer cancel()

	res, err := s.limiter.Allow(ctx, "api", client.Identity)
	if err != nil {
		// Fail open: a limiter outage must not take dispatch down.
		return true
	}
	if !res.Allowed {
		logger.Warn("socket event rate limited",
			zap.String("identity", client.Identity),
			zap.Duration("retry_after", res.RetryAfter))
	}
	return res.Allowed
}

func (s *Service) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), handlerTimeout)
}

func decodeData(data map[string]interface{}, dst interface{}) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func decodeValue(v interface{}, dst interface{}) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func errorCode(err error) string {
	var appErr *common.AppError
	if errors.As(err, &appErr) && appErr.ErrorCode != "" {
		return appErr.ErrorCode
	}
	return "INTERNAL_ERROR"
}

func userFacingMessage(err error) string {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "something went wrong"
}
