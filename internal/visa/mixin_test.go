package visa_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/mabuchilab/instrumental/internal/visa"
	"github.com/mabuchilab/instrumental/internal/visa/visatest"
)

func TestMixinWriteOutsideTransaction(t *testing.T) {
	r := visatest.NewResource("GPIB0::1::INSTR", "")
	var m visa.Mixin
	m.AttachResource(r)

	if err := m.Writef("FREQ %g", 1000.0); err != nil {
		t.Fatalf("Writef() error = %v", err)
	}
	if got := r.Writes(); !reflect.DeepEqual(got, []string{"FREQ 1000"}) {
		t.Errorf("writes = %q", got)
	}
}

func TestMixinTransactionBatchesUntilQuery(t *testing.T) {
	r := visatest.NewResource("GPIB0::1::INSTR", "")
	r.Responses["VOLT?"] = "1.5"
	var m visa.Mixin
	m.AttachResource(r)

	err := m.Transaction(func() error {
		for _, msg := range []string{"VOLT 1.5", ":CURR 0.1", "OUTP ON"} {
			if err := m.Write(msg); err != nil {
				return err
			}
		}
		if n := len(r.Writes()); n != 0 {
			t.Errorf("physical writes before query = %d, want 0", n)
		}
		resp, err := m.Query("VOLT?")
		if err != nil {
			return err
		}
		if resp != "1.5" {
			t.Errorf("Query() = %q", resp)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}

	want := []string{":VOLT 1.5;:CURR 0.1;:OUTP ON"}
	if got := r.Writes(); !reflect.DeepEqual(got, want) {
		t.Errorf("writes = %q, want %q", got, want)
	}
	if got := r.Queries(); !reflect.DeepEqual(got, []string{"VOLT?"}) {
		t.Errorf("queries = %q", got)
	}
	if m.InTransaction() {
		t.Error("still in transaction after return")
	}
}

func TestMixinTransactionFlushesOnceOnError(t *testing.T) {
	r := visatest.NewResource("GPIB0::1::INSTR", "")
	var m visa.Mixin
	m.AttachResource(r)

	boom := errors.New("boom")
	err := m.Transaction(func() error {
		_ = m.Write("A")
		_ = m.Write("B")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction() error = %v, want boom", err)
	}
	if got := r.Writes(); !reflect.DeepEqual(got, []string{":A;:B"}) {
		t.Errorf("writes = %q", got)
	}
}

func TestMixinTransactionFlushesOnPanic(t *testing.T) {
	r := visatest.NewResource("GPIB0::1::INSTR", "")
	var m visa.Mixin
	m.AttachResource(r)

	func() {
		defer func() { _ = recover() }()
		_ = m.Transaction(func() error {
			_ = m.Write("A")
			panic("driver bug")
		})
	}()
	if got := r.Writes(); !reflect.DeepEqual(got, []string{":A"}) {
		t.Errorf("writes = %q", got)
	}
	if m.InTransaction() {
		t.Error("still in transaction after panic")
	}
}

func TestMixinNestedTransactionJoinsOuter(t *testing.T) {
	r := visatest.NewResource("GPIB0::1::INSTR", "")
	var m visa.Mixin
	m.AttachResource(r)

	err := m.Transaction(func() error {
		_ = m.Write("A")
		if err := m.Transaction(func() error { return m.Write("B") }); err != nil {
			return err
		}
		if n := len(r.Writes()); n != 0 {
			t.Errorf("inner transaction flushed %d writes", n)
		}
		return m.Write("C")
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Writes(); !reflect.DeepEqual(got, []string{":A;:B;:C"}) {
		t.Errorf("writes = %q", got)
	}
}

func TestMixinEmptyTransactionWritesNothing(t *testing.T) {
	r := visatest.NewResource("GPIB0::1::INSTR", "")
	var m visa.Mixin
	m.AttachResource(r)
	if err := m.Transaction(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if n := len(r.Writes()); n != 0 {
		t.Errorf("writes = %d, want 0", n)
	}
}

func TestMixinWithoutResource(t *testing.T) {
	var m visa.Mixin
	if err := m.Write("X"); !errors.Is(err, visa.ErrNoResource) {
		t.Errorf("Write() error = %v", err)
	}
	if _, err := m.Query("X?"); !errors.Is(err, visa.ErrNoResource) {
		t.Errorf("Query() error = %v", err)
	}
}
