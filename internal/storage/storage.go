package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/models"
)

var (
	bucketEmails         = []byte("emails")
	bucketDue            = []byte("due")
	bucketClaims         = []byte("claims")
	bucketCampaignEmails = []byte("campaign_emails")
	bucketCampaigns      = []byte("campaigns")
	bucketContacts       = []byte("contacts")
	bucketLexicon        = []byte("lexicon")
)

// ErrNotFound is returned by mutating operations on missing records
var ErrNotFound = errors.New("not found")

// indexTimeFormat is fixed-width so index keys sort chronologically
const indexTimeFormat = "2006-01-02T15:04:05.000000000Z"

// BoltStorage is the campaign/email store backed by BoltDB
type BoltStorage struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStorage opens (or creates) the store at path
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketEmails, bucketDue, bucketClaims, bucketCampaignEmails,
			bucketCampaigns, bucketContacts, bucketLexicon,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db, now: time.Now}, nil
}

// CreateEmail stores a new email, assigning an id when empty
func (s *BoltStorage) CreateEmail(ctx context.Context, e *models.Email) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := s.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = models.StatusDraft
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEmails).Get([]byte(e.ID)) != nil {
			return fmt.Errorf("email %s already exists", e.ID)
		}
		return putEmail(tx, e)
	})
}

// GetEmail retrieves an email by ID. Returns nil, nil when missing.
func (s *BoltStorage) GetEmail(ctx context.Context, id string) (*models.Email, error) {
	var e *models.Email

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = getEmail(tx, id)
		return err
	})

	return e, err
}

// UpdateEmail overwrites an existing email and maintains its indexes
func (s *BoltStorage) UpdateEmail(ctx context.Context, e *models.Email) error {
	e.UpdatedAt = s.now()

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEmails).Get([]byte(e.ID)) == nil {
			return fmt.Errorf("%w: email %s", ErrNotFound, e.ID)
		}
		return putEmail(tx, e)
	})
}

// ListCampaignEmails returns all emails attached to a campaign
func (s *BoltStorage) ListCampaignEmails(ctx context.Context, campaignID string) ([]*models.Email, error) {
	var emails []*models.Email

	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := campaignPrefix(campaignID)
		c := tx.Bucket(bucketCampaignEmails).Cursor()

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			e, err := getEmail(tx, string(v))
			if err != nil {
				return err
			}
			if e == nil {
				continue
			}
			emails = append(emails, e)
		}
		return nil
	})

	return emails, err
}

// ListEmails returns emails with optional status filtering
func (s *BoltStorage) ListEmails(ctx context.Context, filter ListFilter) ([]*models.Email, error) {
	var emails []*models.Email

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEmails).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e models.Email
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}

			if filter.Status != "" && e.Status != filter.Status {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			emails = append(emails, &e)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}
		return nil
	})

	return emails, err
}

// ListFilter represents filter options for listing emails
type ListFilter struct {
	Status models.EmailStatus
	Limit  int
	Offset int
}

// ClaimDue atomically claims every due email: status scheduled, scheduled_at
// not after now and sent_at unset. Claimed emails move to status sending in
// the same write transaction, so concurrent runs never claim the same row.
// The result is ordered by scheduled_at ascending.
func (s *BoltStorage) ClaimDue(ctx context.Context, now time.Time) ([]*models.Email, error) {
	var claimed []*models.Email

	err := s.db.Update(func(tx *bolt.Tx) error {
		claimed = nil
		due := tx.Bucket(bucketDue)

		// Collect first, then mutate: putEmail rewrites the due index
		var candidates []indexEntry
		c := due.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if parseTimestampFromKey(k).After(now) {
				break // All remaining are in the future
			}
			candidates = append(candidates, indexEntry{key: append([]byte{}, k...), id: string(v)})
		}

		for _, entry := range candidates {
			e, err := getEmail(tx, entry.id)
			if err != nil {
				return err
			}
			if e == nil || !e.IsDue(now) {
				// Stale index entry
				if err := due.Delete(entry.key); err != nil {
					return err
				}
				continue
			}

			claimedAt := now
			e.Status = models.StatusSending
			e.ClaimedAt = &claimedAt
			e.UpdatedAt = s.now()
			if err := putEmail(tx, e); err != nil {
				return err
			}
			claimed = append(claimed, e)
		}
		return nil
	})

	return claimed, err
}

// ReleaseClaim returns a claimed email to the scheduled state so a later
// run picks it up again
func (s *BoltStorage) ReleaseClaim(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		e, err := getEmail(tx, id)
		if err != nil {
			return err
		}
		if e == nil {
			return fmt.Errorf("%w: email %s", ErrNotFound, id)
		}
		if e.Status != models.StatusSending {
			return nil
		}

		e.Status = models.StatusScheduled
		e.ClaimedAt = nil
		e.UpdatedAt = s.now()
		return putEmail(tx, e)
	})
}

// ReleaseStaleClaims releases claims taken before the given time, recovering
// emails abandoned by an interrupted run
func (s *BoltStorage) ReleaseStaleClaims(ctx context.Context, before time.Time) (int, error) {
	released := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		released = 0
		claims := tx.Bucket(bucketClaims)
		var entries []indexEntry
		c := claims.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if !parseTimestampFromKey(k).Before(before) {
				break
			}
			entries = append(entries, indexEntry{key: append([]byte{}, k...), id: string(v)})
		}

		for _, entry := range entries {
			e, err := getEmail(tx, entry.id)
			if err != nil {
				return err
			}
			if e == nil || e.Status != models.StatusSending {
				if err := claims.Delete(entry.key); err != nil {
					return err
				}
				continue
			}
			e.Status = models.StatusScheduled
			e.ClaimedAt = nil
			e.UpdatedAt = s.now()
			if err := putEmail(tx, e); err != nil {
				return err
			}
			released++
		}
		return nil
	})

	return released, err
}

// RecordEvent applies an inbound engagement event to a sent email. The first
// occurrence of each event sets its timestamp; status only moves forward.
func (s *BoltStorage) RecordEvent(ctx context.Context, id string, kind models.EventKind, at time.Time) (*models.Email, error) {
	var e *models.Email

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		e, err = getEmail(tx, id)
		if err != nil {
			return err
		}
		if e == nil {
			return fmt.Errorf("%w: email %s", ErrNotFound, id)
		}
		if e.SentAt == nil {
			return fmt.Errorf("email %s has not been sent", id)
		}

		stamp := func(p **time.Time) {
			if *p == nil {
				t := at
				*p = &t
			}
		}

		switch kind {
		case models.EventOpened:
			stamp(&e.OpenedAt)
		case models.EventClicked:
			stamp(&e.ClickedAt)
		case models.EventReplied:
			stamp(&e.RepliedAt)
		case models.EventBounced:
			stamp(&e.BouncedAt)
			e.Status = models.StatusBounced
		case models.EventComplained:
			stamp(&e.ComplainedAt)
		default:
			return fmt.Errorf("unknown event kind: %s", kind)
		}

		if next, ok := eventStatus[kind]; ok && e.Status != models.StatusBounced &&
			engagementRank[next] > engagementRank[e.Status] {
			e.Status = next
		}

		e.UpdatedAt = s.now()
		return putEmail(tx, e)
	})

	return e, err
}

var eventStatus = map[models.EventKind]models.EmailStatus{
	models.EventOpened:  models.StatusOpened,
	models.EventClicked: models.StatusClicked,
	models.EventReplied: models.StatusReplied,
}

var engagementRank = map[models.EmailStatus]int{
	models.StatusSent:    1,
	models.StatusOpened:  2,
	models.StatusClicked: 3,
	models.StatusReplied: 4,
}

// EmailStats counts emails per status
func (s *BoltStorage) EmailStats(ctx context.Context) (map[models.EmailStatus]int64, error) {
	stats := make(map[models.EmailStatus]int64)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEmails).ForEach(func(k, v []byte) error {
			var e models.Email
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			stats[e.Status]++
			return nil
		})
	})

	return stats, err
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

func getEmail(tx *bolt.Tx, id string) (*models.Email, error) {
	data := tx.Bucket(bucketEmails).Get([]byte(id))
	if data == nil {
		return nil, nil
	}

	e := &models.Email{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal email %s: %w", id, err)
	}
	return e, nil
}

// putEmail writes e and keeps the due, claim and campaign indexes in sync
// with its new state
func putEmail(tx *bolt.Tx, e *models.Email) error {
	old, err := getEmail(tx, e.ID)
	if err != nil {
		return err
	}

	if old != nil {
		if key := dueKey(old); key != nil {
			if err := tx.Bucket(bucketDue).Delete(key); err != nil {
				return err
			}
		}
		if key := claimKey(old); key != nil {
			if err := tx.Bucket(bucketClaims).Delete(key); err != nil {
				return err
			}
		}
		if old.CampaignID != "" && old.CampaignID != e.CampaignID {
			if err := tx.Bucket(bucketCampaignEmails).Delete(campaignKey(old.CampaignID, old.ID)); err != nil {
				return err
			}
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal email: %w", err)
	}
	if err := tx.Bucket(bucketEmails).Put([]byte(e.ID), data); err != nil {
		return fmt.Errorf("failed to store email: %w", err)
	}

	if key := dueKey(e); key != nil {
		if err := tx.Bucket(bucketDue).Put(key, []byte(e.ID)); err != nil {
			return fmt.Errorf("failed to add to due index: %w", err)
		}
	}
	if key := claimKey(e); key != nil {
		if err := tx.Bucket(bucketClaims).Put(key, []byte(e.ID)); err != nil {
			return fmt.Errorf("failed to add to claim index: %w", err)
		}
	}
	if e.CampaignID != "" {
		if err := tx.Bucket(bucketCampaignEmails).Put(campaignKey(e.CampaignID, e.ID), []byte(e.ID)); err != nil {
			return fmt.Errorf("failed to add to campaign index: %w", err)
		}
	}

	return nil
}

type indexEntry struct {
	key []byte
	id  string
}

func dueKey(e *models.Email) []byte {
	if e.Status != models.StatusScheduled || e.ScheduledAt == nil || e.SentAt != nil {
		return nil
	}
	return makeIndexKey(*e.ScheduledAt, e.ID)
}

func claimKey(e *models.Email) []byte {
	if e.Status != models.StatusSending || e.ClaimedAt == nil {
		return nil
	}
	return makeIndexKey(*e.ClaimedAt, e.ID)
}

// campaignPrefix length-prefixes the campaign id so no id is a key prefix
// of another campaign's entries
func campaignPrefix(campaignID string) []byte {
	key := make([]byte, 4, 4+len(campaignID))
	binary.BigEndian.PutUint32(key, uint32(len(campaignID)))
	return append(key, campaignID...)
}

func campaignKey(campaignID, emailID string) []byte {
	return append(campaignPrefix(campaignID), emailID...)
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeFormat) + "|" + id)
}

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	if i := strings.IndexByte(s, '|'); i >= 0 {
		ts, _ := time.Parse(indexTimeFormat, s[:i])
		return ts
	}
	return time.Time{}
}
