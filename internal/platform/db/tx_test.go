package db

import (
	"context"
	"errors"
	"testing"
)

func TestTxFromContext_Nil(t *testing.T) {
	tx := TxFromContext(context.Background())
	if tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	tx := TxFromContext(ctx)
	if tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestConn_FallsBackToPool(t *testing.T) {
	q := Conn(context.Background(), nil)
	if q == nil {
		t.Fatal("expected a queryable")
	}
}

func TestWithinTx_ReusesOuterTransaction(t *testing.T) {
	// A context that already carries a tx must not start a new one; a nil
	// pool would panic if it tried.
	var outer fakeTx
	ctx := context.WithValue(context.Background(), DBTxKey, &outer)

	r := NewTxRunner(nil)
	called := false
	err := r.WithinTx(ctx, func(inner context.Context) error {
		called = true
		if TxFromContext(inner) != &outer {
			t.Error("expected the outer transaction to be reused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
}

func TestWithinTx_PropagatesInnerError(t *testing.T) {
	var outer fakeTx
	ctx := context.WithValue(context.Background(), DBTxKey, &outer)
	want := errors.New("boom")

	err := NewTxRunner(nil).WithinTx(ctx, func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
