package publisher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/castcue/castcue/internal/models"
)

// Manager is the channel registry. Lookups go by the Channel enum.
type Manager struct {
	mu         sync.RWMutex
	publishers map[models.Channel]Publisher
	logger     *zap.Logger
}

func NewPublishManager(logger *zap.Logger) *Manager {
	return &Manager{
		publishers: make(map[models.Channel]Publisher),
		logger:     logger.Named("publisher"),
	}
}

func (m *Manager) RegisterPublisher(p Publisher) error {
	ch := p.Channel()
	if !ch.Valid() {
		return fmt.Errorf("unknown channel %q", ch)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.publishers[ch]; exists {
		return fmt.Errorf("publisher for channel %s already registered", ch)
	}
	m.publishers[ch] = p
	m.logger.Info("Publisher registered", zap.String("channel", string(ch)))
	return nil
}

func (m *Manager) GetPublisher(ch models.Channel) (Publisher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.publishers[ch]
	if !exists {
		return nil, NewError(ch, KindNotConnected, "no publisher registered", nil)
	}
	return p, nil
}

// Connected reports whether the user has a connection on ch. A connection
// whose credentials are broken still counts; the publish attempt reports it.
// Datastore failures are returned as errors.
func (m *Manager) Connected(ctx context.Context, ch models.Channel, userID string) (bool, error) {
	p, err := m.GetPublisher(ch)
	if err != nil {
		return false, nil
	}

	if err := p.Authenticate(ctx, userID); err != nil {
		switch KindOf(err) {
		case KindNotConnected:
			return false, nil
		case "":
			return false, err
		default:
			m.logger.Warn("Connection present but not usable",
				zap.String("channel", string(ch)),
				zap.String("user_id", userID),
				zap.Error(err))
			return true, nil
		}
	}
	return true, nil
}
