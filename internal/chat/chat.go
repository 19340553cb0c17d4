package chat

import (
	"strings"
	"sync"
	"time"

	"parley/internal/models"
)

// DefaultMaxRecords is how many messages a room keeps.
const DefaultMaxRecords = 100

// Chat is a room message log backed by a ring buffer.
// Once MaxRecords is reached every new record overwrites the oldest one.
type Chat struct {
	ID         string
	Records    []models.Message
	LastIndex  int
	MaxRecords int

	mux sync.RWMutex
}

type Config struct {
	ID         string
	MaxRecords int
}

func New(config Config) *Chat {
	if config.MaxRecords <= 0 {
		config.MaxRecords = DefaultMaxRecords
	}
	return &Chat{
		ID:         config.ID,
		MaxRecords: config.MaxRecords,
		LastIndex:  -1,
	}
}

// AddRecord appends a message to the log, evicting the oldest one when the
// buffer is full. It reports whether a record was evicted.
func (c *Chat) AddRecord(record models.Message) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	if len(c.Records) < c.MaxRecords {
		c.Records = append(c.Records, record)
		c.LastIndex++
		return false
	}

	i := (c.LastIndex + 1) % c.MaxRecords
	c.Records[i] = record
	c.LastIndex = i
	return true
}

func (c *Chat) Len() int {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return len(c.Records)
}

// head is the buffer index of the oldest record. Caller holds the lock.
func (c *Chat) head() int {
	if len(c.Records) == c.MaxRecords {
		return (c.LastIndex + 1) % c.MaxRecords
	}
	return 0
}

// at returns a pointer to the i-th oldest record. Caller holds the lock.
func (c *Chat) at(i int) *models.Message {
	return &c.Records[(c.head()+i)%len(c.Records)]
}

// All returns a copy of the whole log in chronological order.
func (c *Chat) All() []models.Message {
	return c.GetLastRecords(c.MaxRecords)
}

// GetLastRecords returns up to count most recent records, oldest first.
func (c *Chat) GetLastRecords(count int) []models.Message {
	c.mux.RLock()
	defer c.mux.RUnlock()

	total := len(c.Records)
	if count > total {
		count = total
	}
	if count <= 0 {
		return []models.Message{}
	}

	result := make([]models.Message, 0, count)
	for i := total - count; i < total; i++ {
		result = append(result, c.at(i).Clone())
	}
	return result
}

// Find returns a copy of the record with the given id.
func (c *Chat) Find(id int64) (models.Message, bool) {
	c.mux.RLock()
	defer c.mux.RUnlock()

	if i := c.indexOf(id); i >= 0 {
		return c.at(i).Clone(), true
	}
	return models.Message{}, false
}

// Update applies fn to the stored record with the given id.
// It reports false when the record is not (or no longer) in the log.
func (c *Chat) Update(id int64, fn func(m *models.Message)) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	i := c.indexOf(id)
	if i < 0 {
		return false
	}
	fn(c.at(i))
	return true
}

// IDs returns the ids of all records, oldest first.
func (c *Chat) IDs() []int64 {
	c.mux.RLock()
	defer c.mux.RUnlock()

	ids := make([]int64, len(c.Records))
	for i := range ids {
		ids[i] = c.at(i).ID
	}
	return ids
}

// indexOf does a binary search over the chronological view; ids grow
// monotonically so the log is sorted. Caller holds the lock.
func (c *Chat) indexOf(id int64) int {
	lo, hi := 0, len(c.Records)
	for lo < hi {
		mid := (lo + hi) / 2
		switch cur := c.at(mid).ID; {
		case cur == id:
			return mid
		case cur < id:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return -1
}

// Before returns up to limit of the most recent records created strictly
// before the given time, oldest first. A zero time means "now".
// hasMore reports whether older records remain beyond the returned batch.
func (c *Chat) Before(before time.Time, limit int) (messages []models.Message, hasMore bool) {
	c.mux.RLock()
	defer c.mux.RUnlock()

	// Number of records older than the cursor.
	n := len(c.Records)
	if !before.IsZero() {
		n = 0
		for n < len(c.Records) && c.at(n).Timestamp.Before(before) {
			n++
		}
	}

	start := n - limit
	if start < 0 {
		start = 0
	}

	messages = make([]models.Message, 0, n-start)
	for i := start; i < n; i++ {
		messages = append(messages, c.at(i).Clone())
	}
	return messages, start > 0
}

// Search returns up to limit records whose text contains query,
// case-insensitively, most recent first.
func (c *Chat) Search(query string, limit int) []models.Message {
	c.mux.RLock()
	defer c.mux.RUnlock()

	result := []models.Message{}
	if query == "" {
		return result
	}

	needle := strings.ToLower(query)
	for i := len(c.Records) - 1; i >= 0 && len(result) < limit; i-- {
		m := c.at(i)
		if strings.Contains(strings.ToLower(m.Text), needle) {
			result = append(result, m.Clone())
		}
	}
	return result
}
