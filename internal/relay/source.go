package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

type Notification struct {
	Channel string
	Payload string
}

// ChangeSource wraps the store's push-notification mechanism. After an
// unexpected loss it reports once on Errors and stops; retrying is the
// orchestrator's decision.
type ChangeSource interface {
	Connect(ctx context.Context) error
	Listen(ctx context.Context, channel string) error
	Notifications() <-chan Notification
	Errors() <-chan error
	Close(ctx context.Context) error
}

const notificationBuffer = 64

// PostgresSource listens on a dedicated connection that is never used for
// other queries: a connection blocked in WaitForNotification cannot serve them.
type PostgresSource struct {
	connString string
	logger     *logrus.Logger

	conn          *pgx.Conn
	notifications chan Notification
	errs          chan error

	cancel    context.CancelFunc
	done      chan struct{}
	errOnce   sync.Once
	closeOnce sync.Once
}

func NewPostgresSource(connString string, logger *logrus.Logger) *PostgresSource {
	return &PostgresSource{
		connString:    connString,
		logger:        logger,
		notifications: make(chan Notification, notificationBuffer),
		errs:          make(chan error, 1),
	}
}

func (s *PostgresSource) Connect(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, s.connString)
	if err != nil {
		return &ConnectionError{Op: "connect", Err: err}
	}
	s.conn = conn
	s.logger.Info("Database listener connected")
	return nil
}

func (s *PostgresSource) Listen(ctx context.Context, channel string) error {
	if s.conn == nil {
		return &SubscriptionError{Channel: channel, Err: errors.New("listener is not connected")}
	}

	if _, err := s.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return &SubscriptionError{Channel: channel, Err: err}
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.receive(recvCtx)

	s.logger.Infof("Listening for notifications on %q", channel)
	return nil
}

func (s *PostgresSource) receive(ctx context.Context) {
	defer close(s.done)

	for {
		n, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(&ConnectionError{Op: "wait for notification", Err: err})
			return
		}

		select {
		case s.notifications <- Notification{Channel: n.Channel, Payload: n.Payload}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *PostgresSource) fail(err error) {
	s.errOnce.Do(func() {
		s.logger.Errorf("Database listener error: %v", err)
		s.errs <- err
	})
}

func (s *PostgresSource) Notifications() <-chan Notification { return s.notifications }

func (s *PostgresSource) Errors() <-chan error { return s.errs }

func (s *PostgresSource) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			select {
			case <-s.done:
			case <-ctx.Done():
				// The receive loop is still inside the connection; only the
				// socket itself is safe to close concurrently.
				s.conn.PgConn().Conn().Close()
				err = ctx.Err()
				return
			}
		}
		if s.conn != nil {
			err = s.conn.Close(ctx)
		}
	})
	return err
}
