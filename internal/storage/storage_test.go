package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/outreach/internal/models"
)

func newTestStorage(t *testing.T) *BoltStorage {
	t.Helper()
	s, err := NewBoltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func scheduledEmail(id string, at time.Time) *models.Email {
	return &models.Email{
		ID:          id,
		ContactID:   "contact-1",
		Subject:     "Hello",
		Status:      models.StatusScheduled,
		ScheduledAt: &at,
	}
}

func TestEmailCRUD(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	e := &models.Email{CampaignID: "c1", ContactID: "contact-1", Subject: "Hi"}
	if err := s.CreateEmail(ctx, e); err != nil {
		t.Fatalf("CreateEmail() error = %v", err)
	}
	if e.ID == "" {
		t.Fatal("CreateEmail() did not assign an id")
	}
	if e.Status != models.StatusDraft {
		t.Errorf("Status = %v, want draft", e.Status)
	}

	if err := s.CreateEmail(ctx, e); err == nil {
		t.Error("CreateEmail() expected error for duplicate id")
	}

	got, err := s.GetEmail(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEmail() error = %v", err)
	}
	if got == nil || got.Subject != "Hi" {
		t.Fatalf("GetEmail() = %+v", got)
	}

	missing, err := s.GetEmail(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("GetEmail() error = %v", err)
	}
	if missing != nil {
		t.Error("GetEmail() expected nil for nonexistent email")
	}

	err = s.UpdateEmail(ctx, &models.Email{ID: "nonexistent"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateEmail() error = %v, want ErrNotFound", err)
	}

	emails, err := s.ListCampaignEmails(ctx, "c1")
	if err != nil {
		t.Fatalf("ListCampaignEmails() error = %v", err)
	}
	if len(emails) != 1 {
		t.Fatalf("ListCampaignEmails() = %d emails, want 1", len(emails))
	}

	// Moving the email to another campaign drops it from the old index
	got.CampaignID = "c2"
	if err := s.UpdateEmail(ctx, got); err != nil {
		t.Fatalf("UpdateEmail() error = %v", err)
	}
	emails, _ = s.ListCampaignEmails(ctx, "c1")
	if len(emails) != 0 {
		t.Errorf("ListCampaignEmails(c1) = %d emails, want 0", len(emails))
	}
	emails, _ = s.ListCampaignEmails(ctx, "c2")
	if len(emails) != 1 {
		t.Errorf("ListCampaignEmails(c2) = %d emails, want 1", len(emails))
	}
}

func TestClaimDue(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	emails := []*models.Email{
		scheduledEmail("late", now.Add(-1*time.Minute)),
		scheduledEmail("early", now.Add(-1*time.Hour)),
		scheduledEmail("exact", now),
		scheduledEmail("future", now.Add(time.Minute)),
		{ID: "draft", Status: models.StatusDraft},
	}
	for _, e := range emails {
		if err := s.CreateEmail(ctx, e); err != nil {
			t.Fatalf("CreateEmail(%s) error = %v", e.ID, err)
		}
	}

	claimed, err := s.ClaimDue(ctx, now)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}

	wantOrder := []string{"early", "late", "exact"}
	if len(claimed) != len(wantOrder) {
		t.Fatalf("ClaimDue() claimed %d, want %d", len(claimed), len(wantOrder))
	}
	for i, id := range wantOrder {
		if claimed[i].ID != id {
			t.Errorf("claimed[%d] = %s, want %s", i, claimed[i].ID, id)
		}
		if claimed[i].Status != models.StatusSending {
			t.Errorf("claimed[%d].Status = %v, want sending", i, claimed[i].Status)
		}
		if claimed[i].ClaimedAt == nil {
			t.Errorf("claimed[%d].ClaimedAt is nil", i)
		}
	}

	// Second run sees nothing new
	again, err := s.ClaimDue(ctx, now)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second ClaimDue() claimed %d, want 0", len(again))
	}

	future, _ := s.GetEmail(ctx, "future")
	if future.Status != models.StatusScheduled {
		t.Errorf("future.Status = %v, want scheduled", future.Status)
	}
}

func TestClaimDueSkipsSent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	e := scheduledEmail("sent-before", now.Add(-time.Minute))
	sentAt := now.Add(-time.Second)
	e.SentAt = &sentAt
	if err := s.CreateEmail(ctx, e); err != nil {
		t.Fatalf("CreateEmail() error = %v", err)
	}

	claimed, err := s.ClaimDue(ctx, now)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("ClaimDue() claimed %d, want 0", len(claimed))
	}
}

func TestClaimDueConcurrent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	const total = 20
	for i := 0; i < total; i++ {
		e := scheduledEmail("", now.Add(-time.Duration(i)*time.Second))
		if err := s.CreateEmail(ctx, e); err != nil {
			t.Fatalf("CreateEmail() error = %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimDue(ctx, now)
			if err != nil {
				t.Errorf("ClaimDue() error = %v", err)
				return
			}
			mu.Lock()
			for _, e := range claimed {
				seen[e.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("claimed %d distinct emails, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("email %s claimed %d times", id, n)
		}
	}
}

func TestReleaseClaim(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.CreateEmail(ctx, scheduledEmail("e1", now.Add(-time.Minute))); err != nil {
		t.Fatalf("CreateEmail() error = %v", err)
	}
	if _, err := s.ClaimDue(ctx, now); err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}

	if err := s.ReleaseClaim(ctx, "e1"); err != nil {
		t.Fatalf("ReleaseClaim() error = %v", err)
	}
	got, _ := s.GetEmail(ctx, "e1")
	if got.Status != models.StatusScheduled || got.ClaimedAt != nil {
		t.Errorf("after release: status = %v, claimed_at = %v", got.Status, got.ClaimedAt)
	}

	claimed, _ := s.ClaimDue(ctx, now)
	if len(claimed) != 1 {
		t.Errorf("ClaimDue() after release claimed %d, want 1", len(claimed))
	}

	if err := s.ReleaseClaim(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReleaseClaim() error = %v, want ErrNotFound", err)
	}
}

func TestReleaseStaleClaims(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.CreateEmail(ctx, scheduledEmail("old", now.Add(-2*time.Hour))); err != nil {
		t.Fatalf("CreateEmail() error = %v", err)
	}
	if _, err := s.ClaimDue(ctx, now.Add(-time.Hour)); err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if err := s.CreateEmail(ctx, scheduledEmail("fresh", now.Add(-time.Minute))); err != nil {
		t.Fatalf("CreateEmail() error = %v", err)
	}
	if _, err := s.ClaimDue(ctx, now); err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}

	released, err := s.ReleaseStaleClaims(ctx, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ReleaseStaleClaims() error = %v", err)
	}
	if released != 1 {
		t.Errorf("ReleaseStaleClaims() = %d, want 1", released)
	}

	old, _ := s.GetEmail(ctx, "old")
	if old.Status != models.StatusScheduled {
		t.Errorf("old.Status = %v, want scheduled", old.Status)
	}
	fresh, _ := s.GetEmail(ctx, "fresh")
	if fresh.Status != models.StatusSending {
		t.Errorf("fresh.Status = %v, want sending", fresh.Status)
	}
}

func TestRecordEvent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	sentAt := time.Now().Add(-time.Hour)

	e := &models.Email{ID: "e1", Status: models.StatusSent, SentAt: &sentAt}
	if err := s.CreateEmail(ctx, e); err != nil {
		t.Fatalf("CreateEmail() error = %v", err)
	}

	first := time.Now().Add(-30 * time.Minute)
	got, err := s.RecordEvent(ctx, "e1", models.EventClicked, first)
	if err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if got.Status != models.StatusClicked {
		t.Errorf("Status = %v, want clicked", got.Status)
	}

	// Opening after a click keeps the status and stamps opened_at once
	got, err = s.RecordEvent(ctx, "e1", models.EventOpened, first)
	if err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if got.Status != models.StatusClicked {
		t.Errorf("Status = %v, want clicked", got.Status)
	}
	got, _ = s.RecordEvent(ctx, "e1", models.EventOpened, time.Now())
	if !got.OpenedAt.Equal(first) {
		t.Errorf("OpenedAt = %v, want first occurrence %v", got.OpenedAt, first)
	}

	got, err = s.RecordEvent(ctx, "e1", models.EventBounced, time.Now())
	if err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if got.Status != models.StatusBounced || got.BouncedAt == nil {
		t.Errorf("after bounce: status = %v, bounced_at = %v", got.Status, got.BouncedAt)
	}

	if err := s.CreateEmail(ctx, &models.Email{ID: "draft"}); err != nil {
		t.Fatalf("CreateEmail() error = %v", err)
	}
	if _, err := s.RecordEvent(ctx, "draft", models.EventOpened, time.Now()); err == nil {
		t.Error("RecordEvent() expected error for unsent email")
	}
	if _, err := s.RecordEvent(ctx, "e1", "forwarded", time.Now()); err == nil {
		t.Error("RecordEvent() expected error for unknown kind")
	}
	if _, err := s.RecordEvent(ctx, "missing", models.EventOpened, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordEvent() error = %v, want ErrNotFound", err)
	}
}

func TestEmailStats(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for _, e := range []*models.Email{
		{ID: "a", Status: models.StatusDraft},
		{ID: "b", Status: models.StatusDraft},
		{ID: "c", Status: models.StatusFailed},
	} {
		if err := s.CreateEmail(ctx, e); err != nil {
			t.Fatalf("CreateEmail() error = %v", err)
		}
	}

	stats, err := s.EmailStats(ctx)
	if err != nil {
		t.Fatalf("EmailStats() error = %v", err)
	}
	if stats[models.StatusDraft] != 2 || stats[models.StatusFailed] != 1 {
		t.Errorf("EmailStats() = %v", stats)
	}

	failed, err := s.ListEmails(ctx, ListFilter{Status: models.StatusFailed})
	if err != nil {
		t.Fatalf("ListEmails() error = %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "c" {
		t.Errorf("ListEmails(failed) = %v", failed)
	}
}

func TestCampaignsAndContacts(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	c := &models.Campaign{Name: "Launch"}
	if err := s.CreateCampaign(ctx, c); err != nil {
		t.Fatalf("CreateCampaign() error = %v", err)
	}

	c.IsAbTest = true
	c.AbTestVariants = []models.Variant{{ID: "1", Name: "A"}, {ID: "2", Name: "B"}}
	if err := s.UpdateCampaign(ctx, c); err != nil {
		t.Fatalf("UpdateCampaign() error = %v", err)
	}

	got, err := s.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCampaign() error = %v", err)
	}
	if !got.IsAbTest || len(got.AbTestVariants) != 2 || got.AbTestVariants[1].Name != "B" {
		t.Errorf("GetCampaign() = %+v", got)
	}

	if missing, _ := s.GetCampaign(ctx, "nonexistent"); missing != nil {
		t.Error("GetCampaign() expected nil for nonexistent campaign")
	}
	if err := s.UpdateCampaign(ctx, &models.Campaign{ID: "nonexistent"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateCampaign() error = %v, want ErrNotFound", err)
	}

	contact := &models.Contact{Email: "jane@example.com", FirstName: "Jane"}
	if err := s.CreateContact(ctx, contact); err != nil {
		t.Fatalf("CreateContact() error = %v", err)
	}
	gotContact, err := s.GetContact(ctx, contact.ID)
	if err != nil {
		t.Fatalf("GetContact() error = %v", err)
	}
	if gotContact == nil || gotContact.FirstName != "Jane" {
		t.Errorf("GetContact() = %+v", gotContact)
	}
}

func TestLexicon(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for _, entry := range []models.LexiconEntry{
		{Word: "  Free Money ", Score: 8, Active: true},
		{Word: "act now", Score: 5, Active: true},
		{Word: "winner", Score: 4, Active: false},
	} {
		if err := s.PutLexiconEntry(ctx, entry); err != nil {
			t.Fatalf("PutLexiconEntry(%q) error = %v", entry.Word, err)
		}
	}

	if err := s.PutLexiconEntry(ctx, models.LexiconEntry{Word: " ", Score: 1}); err == nil {
		t.Error("PutLexiconEntry() expected error for empty word")
	}
	if err := s.PutLexiconEntry(ctx, models.LexiconEntry{Word: "zero", Score: 0}); err == nil {
		t.Error("PutLexiconEntry() expected error for non-positive score")
	}

	active, err := s.ActiveLexicon(ctx)
	if err != nil {
		t.Fatalf("ActiveLexicon() error = %v", err)
	}
	if len(active) != 2 || active[0].Word != "act now" || active[1].Word != "free money" {
		t.Errorf("ActiveLexicon() = %v", active)
	}

	if err := s.DeactivateLexiconEntry(ctx, "FREE MONEY"); err != nil {
		t.Fatalf("DeactivateLexiconEntry() error = %v", err)
	}
	active, _ = s.ActiveLexicon(ctx)
	if len(active) != 1 {
		t.Errorf("ActiveLexicon() after deactivate = %v", active)
	}

	all, _ := s.ListLexicon(ctx, false)
	if len(all) != 3 {
		t.Errorf("ListLexicon(false) = %d entries, want 3", len(all))
	}

	if err := s.DeactivateLexiconEntry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeactivateLexiconEntry() error = %v, want ErrNotFound", err)
	}
}

func TestListCampaignEmailsNestedIDs(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for _, e := range []*models.Email{
		{ID: "e1", CampaignID: "a"},
		{ID: "e2", CampaignID: "a/b"},
		{ID: "e3", CampaignID: "ab"},
		{ID: "e4", CampaignID: "a"},
	} {
		if err := s.CreateEmail(ctx, e); err != nil {
			t.Fatalf("CreateEmail(%s) error = %v", e.ID, err)
		}
	}

	tests := []struct {
		campaign string
		want     []string
	}{
		{"a", []string{"e1", "e4"}},
		{"a/b", []string{"e2"}},
		{"ab", []string{"e3"}},
		{"", nil},
	}

	for _, tt := range tests {
		emails, err := s.ListCampaignEmails(ctx, tt.campaign)
		if err != nil {
			t.Fatalf("ListCampaignEmails(%q) error = %v", tt.campaign, err)
		}
		var got []string
		for _, e := range emails {
			got = append(got, e.ID)
		}
		if len(got) != len(tt.want) {
			t.Errorf("ListCampaignEmails(%q) = %v, want %v", tt.campaign, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ListCampaignEmails(%q) = %v, want %v", tt.campaign, got, tt.want)
				break
			}
		}
	}

	// Moving an email to another campaign drops it from the old index
	e, _ := s.GetEmail(ctx, "e4")
	e.CampaignID = "a/b"
	if err := s.UpdateEmail(ctx, e); err != nil {
		t.Fatalf("UpdateEmail() error = %v", err)
	}
	if emails, _ := s.ListCampaignEmails(ctx, "a"); len(emails) != 1 || emails[0].ID != "e1" {
		t.Errorf("campaign a after move = %d emails, want [e1]", len(emails))
	}
}
