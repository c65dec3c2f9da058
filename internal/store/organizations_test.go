package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"llmgate/internal/store"
)

func TestApplySubscription_IsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedOrg(t, st, "org_s", store.TierFree, "0")

	subID := "sub_1"
	custID := "cus_1"
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	u := store.SubscriptionUpdate{
		Tier:                store.TierPro,
		Status:              "active",
		SubscriptionID:      &subID,
		CustomerID:          &custID,
		PeriodStart:         &start,
		PeriodEnd:           &end,
		MonthlyRequestLimit: 50000,
	}
	for i := 0; i < 2; i++ {
		if err := st.ApplySubscription(ctx, "org_s", u); err != nil {
			t.Fatalf("ApplySubscription #%d: %v", i+1, err)
		}
	}

	o, err := st.GetOrganization(ctx, "org_s")
	if err != nil {
		t.Fatalf("GetOrganization: %v", err)
	}
	if o.SubscriptionTier != store.TierPro || o.SubscriptionStatus != "active" || o.MonthlyRequestLimit != 50000 {
		t.Fatalf("unexpected org: %+v", o)
	}
	if o.SubscriptionID == nil || *o.SubscriptionID != subID || o.PolarCustomerID == nil || *o.PolarCustomerID != custID {
		t.Fatalf("unexpected subscription ids: %+v", o)
	}
	if o.PeriodEnd == nil || !o.PeriodEnd.Equal(end) {
		t.Fatalf("period end: got=%v want=%v", o.PeriodEnd, end)
	}

	if err := st.RevertToFree(ctx, "org_s", "canceled", 1000); err != nil {
		t.Fatalf("RevertToFree: %v", err)
	}
	o, _ = st.GetOrganization(ctx, "org_s")
	if o.SubscriptionTier != store.TierFree || o.SubscriptionStatus != "canceled" || o.MonthlyRequestLimit != 1000 {
		t.Fatalf("unexpected org after revert: %+v", o)
	}
}

func TestApplySubscription_MissingOrganization(t *testing.T) {
	st := openTestStore(t)

	err := st.ApplySubscription(context.Background(), "ghost", store.SubscriptionUpdate{Tier: store.TierPro, Status: "active"})
	if !errors.Is(err, store.ErrOrganizationNotFound) {
		t.Fatalf("expected ErrOrganizationNotFound, got=%v", err)
	}
}
