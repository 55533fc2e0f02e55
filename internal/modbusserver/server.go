// Package modbusserver serves every unit's register block over Modbus TCP.
// The Modbus unit id selects the simulated unit; holding registers 0..15
// map onto the unit's 16-slot block.
package modbusserver

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/holla2040/sensorsim/internal/registers"
	"github.com/simonvetter/modbus"
)

// DefaultAddr matches the simulator's historical listen address.
const DefaultAddr = "localhost:5020"

// Handler answers Modbus requests from the register store. Coils and
// discrete inputs are not implemented; input registers mirror the holding
// registers read-only.
type Handler struct {
	store *registers.Store
}

// NewHandler creates a request handler over store.
func NewHandler(store *registers.Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *Handler) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

// HandleHoldingRegisters reads or patches a unit's block. A write is visible
// until the unit's next tick recomputes the block.
func (h *Handler) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	unit := int(req.UnitId)
	if !h.store.Has(unit) {
		return nil, modbus.ErrGWTargetFailedToRespond
	}

	if req.IsWrite {
		values := make([]int, len(req.Args))
		for i, v := range req.Args {
			values[i] = int(v)
		}
		if err := h.store.SetRegisters(unit, int(req.Addr), values); err != nil {
			return nil, mapError(err)
		}
		log.Printf("modbus: %s wrote %d registers at %d on unit %d", req.ClientAddr, len(values), req.Addr, unit)
		return nil, nil
	}

	return h.read(unit, req.Addr, req.Quantity)
}

// HandleInputRegisters serves the same block as the holding registers.
func (h *Handler) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	unit := int(req.UnitId)
	if !h.store.Has(unit) {
		return nil, modbus.ErrGWTargetFailedToRespond
	}
	return h.read(unit, req.Addr, req.Quantity)
}

func (h *Handler) read(unit int, addr, quantity uint16) ([]uint16, error) {
	regs, err := h.store.GetRegisters(unit, int(addr), int(quantity))
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]uint16, len(regs))
	for i, v := range regs {
		out[i] = uint16(v)
	}
	return out, nil
}

// mapError converts store errors to Modbus exception codes.
func mapError(err error) error {
	var invalid *registers.ValidationError
	var unknown *registers.UnknownUnitError
	switch {
	case errors.As(err, &unknown):
		return modbus.ErrGWTargetFailedToRespond
	case errors.As(err, &invalid) && invalid.Field == "address":
		return modbus.ErrIllegalDataAddress
	case errors.As(err, &invalid):
		return modbus.ErrIllegalDataValue
	default:
		return modbus.ErrServerDeviceFailure
	}
}

// Server is a Modbus TCP listener bound to a Handler.
type Server struct {
	addr string
	srv  *modbus.ModbusServer
}

// NewServer prepares a server on addr (host:port). Call Start to listen.
func NewServer(addr string, store *registers.Store) (*Server, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	srv, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        "tcp://" + addr,
		Timeout:    30 * time.Second,
		MaxClients: 16,
	}, NewHandler(store))
	if err != nil {
		return nil, fmt.Errorf("modbus server: %w", err)
	}
	return &Server{addr: addr, srv: srv}, nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Start begins accepting connections.
func (s *Server) Start() error {
	if err := s.srv.Start(); err != nil {
		return fmt.Errorf("modbus listen %s: %w", s.addr, err)
	}
	log.Printf("modbus: serving holding registers on %s", s.addr)
	return nil
}

// Stop closes the listener and every client connection.
func (s *Server) Stop() error {
	return s.srv.Stop()
}
