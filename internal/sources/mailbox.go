package sources

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
)

const (
	imapDialTimeout    = 30 * time.Second
	imapCommandTimeout = 60 * time.Second
)

// Mailbox reads unread messages from one IMAP folder. A Mailbox holds a
// single connection and is not safe for concurrent use.
type Mailbox struct {
	cfg       models.MailboxConfig
	logger    *zap.Logger
	tlsConfig *tls.Config
	now       func() time.Time

	mu sync.Mutex
	c  *client.Client
}

type MailboxOption func(*Mailbox)

// WithTLSConfig overrides the TLS settings used when the mailbox uses TLS.
func WithTLSConfig(cfg *tls.Config) MailboxOption {
	return func(m *Mailbox) { m.tlsConfig = cfg }
}

func NewMailbox(cfg models.MailboxConfig, logger *zap.Logger, opts ...MailboxOption) *Mailbox {
	cfg.Normalize()
	m := &Mailbox{
		cfg:       cfg,
		logger:    logger.Named("mailbox").With(zap.Int64("mailbox_id", cfg.ID), zap.String("mailbox", cfg.Name)),
		tlsConfig: &tls.Config{ServerName: cfg.Host},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mailbox) Name() string {
	return fmt.Sprintf("mailbox:%s", m.cfg.Name)
}

func (m *Mailbox) addr() string {
	return net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
}

func (m *Mailbox) connect(ctx context.Context) (*client.Client, error) {
	if m.c != nil {
		return m.c, nil
	}

	dialer := &net.Dialer{Timeout: imapDialTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	var (
		c   *client.Client
		err error
	)
	if m.cfg.UseTLS {
		c, err = client.DialWithDialerTLS(dialer, m.addr(), m.tlsConfig)
	} else {
		c, err = client.DialWithDialer(dialer, m.addr())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnect, m.addr(), err)
	}
	c.Timeout = imapCommandTimeout

	if err := c.Login(m.cfg.Username, m.cfg.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("%w: login as %s: %v", ErrConnect, m.cfg.Username, err)
	}
	if _, err := c.Select(m.cfg.InboxFolder, false); err != nil {
		c.Logout()
		return nil, fmt.Errorf("%w: select %s: %v", ErrConnect, m.cfg.InboxFolder, err)
	}

	m.c = c
	return c, nil
}

// Fetch returns up to limit unread messages, preferring the most recent.
// Messages are fetched with BODY.PEEK so they stay unread until
// Acknowledge.
func (m *Mailbox) Fetch(ctx context.Context, limit int) (models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.connect(ctx)
	if err != nil {
		return models.Batch{}, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		m.drop()
		return models.Batch{}, fmt.Errorf("%w: search unseen: %v", ErrConnect, err)
	}
	if len(uids) == 0 {
		return models.Batch{}, nil
	}
	if limit <= 0 || limit > m.cfg.MaxPerCheck {
		limit = m.cfg.MaxPerCheck
	}
	if len(uids) > limit {
		m.logger.Info("unread backlog exceeds batch limit",
			zap.Int("unread", len(uids)), zap.Int("limit", limit))
		uids = uids[len(uids)-limit:]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	var (
		batch    models.Batch
		rejected []uint32
	)
	now := m.now()
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			batch.Failed++
			rejected = append(rejected, msg.Uid)
			m.logger.Warn("message without body", zap.Uint32("uid", msg.Uid))
			continue
		}
		parsed, err := parseMessage(body, now)
		if err != nil {
			batch.Failed++
			rejected = append(rejected, msg.Uid)
			m.logger.Warn("unparseable message", zap.Uint32("uid", msg.Uid), zap.Error(err))
			continue
		}
		batch.Records = append(batch.Records, models.RawRecord{
			Key: MailboxKey(parsed.Sender, parsed.Subject, parsed.ReceivedAt),
			Ref: msg.Uid,
			Fields: models.Fields{
				{Name: "sender", Value: parsed.Sender},
				{Name: "subject", Value: parsed.Subject},
				{Name: "received_at", Value: parsed.ReceivedAt.UTC().Format(time.RFC3339)},
				{Name: "body", Value: parsed.Body},
			},
			ReceivedAt: parsed.ReceivedAt,
		})
	}
	if err := <-done; err != nil {
		m.drop()
		return models.Batch{}, fmt.Errorf("%w: fetch: %v", ErrConnect, err)
	}

	// Rejected messages are flagged read so later runs do not count them again.
	if len(rejected) > 0 {
		if err := markSeen(c, rejected...); err != nil {
			m.logger.Warn("failed to flag rejected messages", zap.Int("count", len(rejected)), zap.Error(err))
		} else {
			m.logger.Info("flagged rejected messages read", zap.Int("count", len(rejected)))
		}
	}

	m.logger.Debug("fetched unread messages", zap.Int("records", len(batch.Records)), zap.Int("failed", batch.Failed))
	return batch, nil
}

// Acknowledge flags the message read and, when a processed folder is
// configured, moves it there.
func (m *Mailbox) Acknowledge(ctx context.Context, rec models.RawRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.connect(ctx)
	if err != nil {
		return err
	}

	if err := markSeen(c, rec.Ref); err != nil {
		return fmt.Errorf("mark uid %d seen: %w", rec.Ref, err)
	}

	if m.cfg.ProcessedFolder == "" {
		return nil
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(rec.Ref)
	return m.move(c, seqset)
}

func markSeen(c *client.Client, uids ...uint32) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	flags := []interface{}{imap.SeenFlag}
	return c.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil)
}

func (m *Mailbox) move(c *client.Client, seqset *imap.SeqSet) error {
	dest := m.cfg.ProcessedFolder
	if err := c.Create(dest); err != nil && !strings.Contains(strings.ToLower(err.Error()), "exist") {
		return fmt.Errorf("create folder %s: %w", dest, err)
	}

	if ok, _ := c.Support("MOVE"); ok {
		if err := c.UidMove(seqset, dest); err != nil {
			return fmt.Errorf("move to %s: %w", dest, err)
		}
		return nil
	}

	if err := c.UidCopy(seqset, dest); err != nil {
		return fmt.Errorf("copy to %s: %w", dest, err)
	}
	deleted := []interface{}{imap.DeletedFlag}
	if err := c.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), deleted, nil); err != nil {
		return fmt.Errorf("flag deleted: %w", err)
	}
	if err := c.Expunge(nil); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	return nil
}

func (m *Mailbox) drop() {
	if m.c != nil {
		m.c.Terminate()
		m.c = nil
	}
}

func (m *Mailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.c == nil {
		return nil
	}
	err := m.c.Logout()
	m.c = nil
	return err
}

type ConnectionReport struct {
	Folders     []string      `json:"folders,omitempty"`
	Rows        int           `json:"rows,omitempty"`
	ConnectTime time.Duration `json:"connect_time"`
	Detail      string        `json:"detail"`
}

// TestConnection logs in and lists the account's folders.
func (m *Mailbox) TestConnection(ctx context.Context) (ConnectionReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	c, err := m.connect(ctx)
	if err != nil {
		return ConnectionReport{}, err
	}
	report := ConnectionReport{ConnectTime: time.Since(start)}

	ch := make(chan *imap.MailboxInfo, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", ch)
	}()
	for info := range ch {
		report.Folders = append(report.Folders, info.Name)
	}
	if err := <-done; err != nil {
		return report, fmt.Errorf("%w: list folders: %v", ErrConnect, err)
	}
	report.Detail = fmt.Sprintf("connected to %s, %d folders", m.addr(), len(report.Folders))
	return report, nil
}
