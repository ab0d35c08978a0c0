package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/models"
)

// CreateCampaign stores a new campaign, assigning an id when empty
func (s *BoltStorage) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		if b.Get([]byte(c.ID)) != nil {
			return fmt.Errorf("campaign %s already exists", c.ID)
		}
		return putJSON(b, c.ID, c)
	})
}

// GetCampaign returns a campaign by ID. Returns nil, nil when missing.
func (s *BoltStorage) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var c *models.Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get([]byte(id))
		if data == nil {
			return nil
		}
		c = &models.Campaign{}
		return json.Unmarshal(data, c)
	})

	return c, err
}

// UpdateCampaign overwrites an existing campaign
func (s *BoltStorage) UpdateCampaign(ctx context.Context, c *models.Campaign) error {
	c.UpdatedAt = s.now()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		if b.Get([]byte(c.ID)) == nil {
			return fmt.Errorf("%w: campaign %s", ErrNotFound, c.ID)
		}
		return putJSON(b, c.ID, c)
	})
}

// CreateContact stores a new contact, assigning an id when empty
func (s *BoltStorage) CreateContact(ctx context.Context, c *models.Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = s.now()

	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketContacts), c.ID, c)
	})
}

// GetContact returns a contact by ID. Returns nil, nil when missing.
func (s *BoltStorage) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	var c *models.Contact

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContacts).Get([]byte(id))
		if data == nil {
			return nil
		}
		c = &models.Contact{}
		return json.Unmarshal(data, c)
	})

	return c, err
}

// PutLexiconEntry inserts or replaces a lexicon phrase. Words are stored
// lowercased and trimmed.
func (s *BoltStorage) PutLexiconEntry(ctx context.Context, entry models.LexiconEntry) error {
	entry.Word = strings.ToLower(strings.TrimSpace(entry.Word))
	if entry.Word == "" {
		return fmt.Errorf("lexicon word is empty")
	}
	if entry.Score <= 0 {
		return fmt.Errorf("lexicon score for %q must be positive", entry.Word)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketLexicon), entry.Word, entry)
	})
}

// DeactivateLexiconEntry marks a phrase inactive without deleting it
func (s *BoltStorage) DeactivateLexiconEntry(ctx context.Context, word string) error {
	word = strings.ToLower(strings.TrimSpace(word))

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLexicon)
		data := b.Get([]byte(word))
		if data == nil {
			return fmt.Errorf("%w: lexicon word %q", ErrNotFound, word)
		}

		var entry models.LexiconEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		entry.Active = false
		return putJSON(b, word, entry)
	})
}

// ListLexicon returns lexicon entries sorted by word
func (s *BoltStorage) ListLexicon(ctx context.Context, activeOnly bool) ([]models.LexiconEntry, error) {
	var entries []models.LexiconEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLexicon).ForEach(func(k, v []byte) error {
			var entry models.LexiconEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil // Skip invalid entries
			}
			if activeOnly && !entry.Active {
				return nil
			}
			entries = append(entries, entry)
			return nil
		})
	})

	sort.Slice(entries, func(i, j int) bool { return entries[i].Word < entries[j].Word })
	return entries, err
}

// ActiveLexicon returns the active lexicon entries
func (s *BoltStorage) ActiveLexicon(ctx context.Context) ([]models.LexiconEntry, error) {
	return s.ListLexicon(ctx, true)
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := b.Put([]byte(key), data); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}
