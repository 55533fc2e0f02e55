package modbusserver

import (
	"net"
	"testing"
	"time"

	"github.com/holla2040/sensorsim/internal/registers"
	"github.com/simonvetter/modbus"
)

var bases = []int{2200, 1500, 3000, 500, 20, 1000, 1800, 250}

func newStore(t *testing.T) *registers.Store {
	t.Helper()
	var configs []registers.UnitConfig
	for _, id := range []int{1, 2} {
		configs = append(configs, registers.UnitConfig{
			ID:        id,
			BaseHighs: bases,
			Params: registers.Params{
				Amplitudes: make([]int, registers.SignalCount),
				Periods:    []float64{8, 6, 12, 10, 3, 9, 7, 11},
			},
		})
	}
	s, err := registers.New(configs)
	if err != nil {
		t.Fatalf("registers.New failed: %v", err)
	}
	return s
}

func TestReadHoldingRegisters(t *testing.T) {
	h := NewHandler(newStore(t))

	res, err := h.HandleHoldingRegisters(&modbus.HoldingRegistersRequest{UnitId: 1, Addr: 0, Quantity: 16})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(res) != 16 {
		t.Fatalf("expected 16 registers, got %d", len(res))
	}
	for i, b := range bases {
		if int(res[2*i]) != b || res[2*i+1] != 0 {
			t.Errorf("signal %d: got %d/%d", i, res[2*i], res[2*i+1])
		}
	}

	res, err = h.HandleInputRegisters(&modbus.InputRegistersRequest{UnitId: 2, Addr: 10, Quantity: 2})
	if err != nil {
		t.Fatalf("input read failed: %v", err)
	}
	if res[0] != 1000 || res[1] != 0 {
		t.Errorf("unexpected input registers %v", res)
	}
}

func TestHandlerErrors(t *testing.T) {
	h := NewHandler(newStore(t))

	tests := []struct {
		name string
		req  *modbus.HoldingRegistersRequest
		want error
	}{
		{"unknown unit", &modbus.HoldingRegistersRequest{UnitId: 9, Quantity: 1}, modbus.ErrGWTargetFailedToRespond},
		{"past end", &modbus.HoldingRegistersRequest{UnitId: 1, Addr: 14, Quantity: 4}, modbus.ErrIllegalDataAddress},
		{"write past end", &modbus.HoldingRegistersRequest{UnitId: 1, Addr: 15, Quantity: 2, IsWrite: true, Args: []uint16{0, 0}}, modbus.ErrIllegalDataAddress},
		{"write reserved slot", &modbus.HoldingRegistersRequest{UnitId: 1, Addr: 1, Quantity: 1, IsWrite: true, Args: []uint16{7}}, modbus.ErrIllegalDataValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.HandleHoldingRegisters(tt.req); err != tt.want {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := h.HandleCoils(&modbus.CoilsRequest{UnitId: 1}); err != modbus.ErrIllegalFunction {
		t.Errorf("coils: expected illegal function, got %v", err)
	}
	if _, err := h.HandleDiscreteInputs(&modbus.DiscreteInputsRequest{UnitId: 1}); err != modbus.ErrIllegalFunction {
		t.Errorf("discrete inputs: expected illegal function, got %v", err)
	}
}

func TestWritePatchesBlock(t *testing.T) {
	store := newStore(t)
	h := NewHandler(store)

	_, err := h.HandleHoldingRegisters(&modbus.HoldingRegistersRequest{
		UnitId: 2, Addr: 4, Quantity: 2, IsWrite: true, Args: []uint16{4242, 0},
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	regs, _ := store.ReadRegisters(2)
	if regs[4] != 4242 {
		t.Errorf("expected slot 4 = 4242, got %d", regs[4])
	}
	if other, _ := store.ReadRegisters(1); other[4] != 3000 {
		t.Errorf("write leaked into unit 1: %d", other[4])
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestServerEndToEnd(t *testing.T) {
	store := newStore(t)
	addr := freeAddr(t)

	srv, err := NewServer(addr, store)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Stop()

	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     "tcp://" + addr,
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := client.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer client.Close()

	client.SetUnitId(2)
	regs, err := client.ReadRegisters(0, 16, modbus.HOLDING_REGISTER)
	if err != nil {
		t.Fatalf("ReadRegisters failed: %v", err)
	}
	if regs[0] != 2200 || regs[14] != 250 {
		t.Errorf("unexpected registers %v", regs)
	}

	if err := client.WriteRegister(0, 1234); err != nil {
		t.Fatalf("WriteRegister failed: %v", err)
	}
	if got, _ := store.GetRegisters(2, 0, 1); got[0] != 1234 {
		t.Errorf("expected 1234 after write, got %d", got[0])
	}

	client.SetUnitId(5)
	if _, err := client.ReadRegisters(0, 1, modbus.HOLDING_REGISTER); err == nil {
		t.Error("expected error for unknown unit")
	}
}
