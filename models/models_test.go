package models

import (
	"encoding/json"
	"testing"
)

func TestSideOpposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell {
		t.Fatalf("expected opposite of Buy to be Sell")
	}
	if SideSell.Opposite() != SideBuy {
		t.Fatalf("expected opposite of Sell to be Buy")
	}
}

func TestOrderStatusString(t *testing.T) {
	cases := []struct {
		status OrderStatus
		want   string
	}{
		{OrderStatusNew, "New"},
		{OrderStatusWorking, "Working"},
		{OrderStatusFilled, "Filled"},
		{OrderStatusPartiallyFilled, "PartiallyFilled"},
		{OrderStatusCancelled, "Cancelled"},
		{OrderStatusRejected, "Rejected"},
		{OrderStatusExpired, "Expired"},
		{OrderStatusModified, "Modified"},
		{OrderStatus(42), "Unknown(42)"},
	}
	for _, c := range cases {
		if got := c.status.String(); got != c.want {
			t.Errorf("status %d: got %q, want %q", int(c.status), got, c.want)
		}
	}
}

func TestPlaceOrderRequestOmitsUnsetPrices(t *testing.T) {
	req := PlaceOrderRequest{
		AccountID:  7914587,
		ContractID: "CON.F.US.MNQ.M25",
		Type:       OrderTypeMarket,
		Side:       SideBuy,
		Size:       1,
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"limitPrice", "stopPrice", "trailPrice", "linkedOrderId", "customTag"} {
		if _, ok := m[key]; ok {
			t.Errorf("expected %s to be omitted when unset", key)
		}
	}
}

func TestOrderUpdateDecode(t *testing.T) {
	raw := []byte(`{"id":1234,"accountId":7914587,"status":3,"fillVolume":1,"customTag":"OCO_STOP_abc"}`)
	var u OrderUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if u.ID != 1234 || u.Status != OrderStatusFilled || u.FillVolume != 1 {
		t.Fatalf("unexpected decode: %+v", u)
	}
}
