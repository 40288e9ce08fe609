package service

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sitcon-tw/tickets-sub001/internal/clock"
	"github.com/sitcon-tw/tickets-sub001/internal/formschema"
	"github.com/sitcon-tw/tickets-sub001/internal/model"
	"github.com/sitcon-tw/tickets-sub001/internal/notify"
	"github.com/sitcon-tw/tickets-sub001/internal/ratelimit"
	"github.com/sitcon-tw/tickets-sub001/internal/repository"
	"github.com/sitcon-tw/tickets-sub001/internal/token"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory stand-in for the Postgres repositories. Writes
// follow the same guarded semantics as the SQL statements; transactions are
// serialized and roll back to a snapshot on error.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	events  map[string]model.Event
	tickets map[string]model.Ticket
	invites map[string]model.InvitationCode
	regs    map[string]model.Registration
	data    map[string]map[string]any
	fields  []formschema.Field

	// createErrs is returned, one per call, by Create before anything else.
	createErrs []error
}

type memTxKey struct{}

type memState struct {
	tickets map[string]model.Ticket
	invites map[string]model.InvitationCode
	regs    map[string]model.Registration
	data    map[string]map[string]any
}

func newMemStore() *memStore {
	return &memStore{
		events:  map[string]model.Event{},
		tickets: map[string]model.Ticket{},
		invites: map[string]model.InvitationCode{},
		regs:    map[string]model.Registration{},
		data:    map[string]map[string]any{},
	}
}

func (m *memStore) stores() Stores {
	return Stores{
		Tx:            m,
		Events:        memEvents{m},
		Tickets:       memTickets{m},
		Invites:       memInvites{m},
		Registrations: memRegistrations{m},
		Fields:        memFields{m},
	}
}

func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memStore) snapshot() memState {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := memState{
		tickets: make(map[string]model.Ticket, len(m.tickets)),
		invites: make(map[string]model.InvitationCode, len(m.invites)),
		regs:    make(map[string]model.Registration, len(m.regs)),
		data:    make(map[string]map[string]any, len(m.data)),
	}
	for k, v := range m.tickets {
		s.tickets[k] = v
	}
	for k, v := range m.invites {
		s.invites[k] = v
	}
	for k, v := range m.regs {
		s.regs[k] = v
	}
	for k, v := range m.data {
		inner := make(map[string]any, len(v))
		for f, val := range v {
			inner[f] = val
		}
		s.data[k] = inner
	}
	return s
}

func (m *memStore) restore(s memState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets, m.invites, m.regs, m.data = s.tickets, s.invites, s.regs, s.data
}

func (m *memStore) ticket(id string) model.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tickets[id]
}

func (m *memStore) invite(id string) model.InvitationCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invites[id]
}

func (m *memStore) registration(id string) model.Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[id]
}

func (m *memStore) formData(id string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[id]
}

type memEvents struct{ m *memStore }

func (s memEvents) GetByID(_ context.Context, id string) (*model.Event, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	e, ok := s.m.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

type memTickets struct{ m *memStore }

func (s memTickets) GetByID(_ context.Context, id string) (*model.Ticket, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	t, ok := s.m.tickets[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (s memTickets) ReserveUnit(_ context.Context, id string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	t, ok := s.m.tickets[id]
	if !ok || t.SoldCount >= t.Quantity {
		return false, nil
	}
	t.SoldCount++
	s.m.tickets[id] = t
	return true, nil
}

func (s memTickets) ReleaseUnit(_ context.Context, id string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	t, ok := s.m.tickets[id]
	if !ok || t.SoldCount <= 0 {
		return false, nil
	}
	t.SoldCount--
	s.m.tickets[id] = t
	return true, nil
}

type memInvites struct{ m *memStore }

func (s memInvites) FindByCode(_ context.Context, ticketID, code string) (*model.InvitationCode, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, c := range s.m.invites {
		if c.TicketID == ticketID && c.Code == code {
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s memInvites) ConsumeUsage(_ context.Context, id string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	c, ok := s.m.invites[id]
	if !ok || !c.IsActive || c.Exhausted() {
		return false, nil
	}
	c.UsedCount++
	s.m.invites[id] = c
	return true, nil
}

type memRegistrations struct{ m *memStore }

func (s memRegistrations) ExistsActive(_ context.Context, eventID, email string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, r := range s.m.regs {
		if r.EventID == eventID && strings.EqualFold(r.Email, email) && r.Status != model.StatusCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (s memRegistrations) ReferralCodeExists(_ context.Context, code string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, r := range s.m.regs {
		if r.ReferralCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (s memRegistrations) FindConfirmedByReferralCode(_ context.Context, eventID, code string) (string, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, r := range s.m.regs {
		if r.ReferralCode == code && r.EventID == eventID && r.Status == model.StatusConfirmed {
			return r.ID, nil
		}
	}
	return "", repository.ErrNotFound
}

func (s memRegistrations) Create(_ context.Context, reg *model.Registration, data map[string]any) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if len(s.m.createErrs) > 0 {
		err := s.m.createErrs[0]
		s.m.createErrs = s.m.createErrs[1:]
		return err
	}
	for _, r := range s.m.regs {
		if r.EventID == reg.EventID && strings.EqualFold(r.Email, reg.Email) && r.Status != model.StatusCancelled {
			return repository.ErrAlreadyRegistered
		}
		if r.ReferralCode == reg.ReferralCode {
			return repository.ErrCodeTaken
		}
	}
	s.m.regs[reg.ID] = *reg
	stored := make(map[string]any, len(data))
	for k, v := range data {
		stored[k] = v
	}
	s.m.data[reg.ID] = stored
	return nil
}

func (s memRegistrations) GetByID(_ context.Context, id string) (*model.Registration, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.regs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (s memRegistrations) FindForEdit(_ context.Context, l repository.EditLookup) (*model.Registration, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var found *model.Registration
	for _, r := range s.m.regs {
		if !strings.EqualFold(r.Email, l.Email) || r.Status != model.StatusConfirmed {
			continue
		}
		if l.OrderNumber != "" {
			if l.ByCheckInCode && r.ReferralCode != strings.ToUpper(l.OrderNumber) {
				continue
			}
			if !l.ByCheckInCode && r.ID != l.OrderNumber {
				continue
			}
		}
		if found == nil || r.CreatedAt.After(found.CreatedAt) {
			r := r
			found = &r
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (s memRegistrations) SetEditToken(_ context.Context, id, hash string, expiry time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.regs[id]
	if !ok {
		return repository.ErrNotFound
	}
	r.EditTokenHash, r.EditTokenExpiry = &hash, &expiry
	s.m.regs[id] = r
	return nil
}

func (s memRegistrations) FindByTokenHash(_ context.Context, hash string, _ bool) (*model.Registration, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, r := range s.m.regs {
		if r.EditTokenHash != nil && *r.EditTokenHash == hash {
			return &r, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s memRegistrations) ClearEditToken(_ context.Context, id, hash string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.regs[id]
	if !ok || r.EditTokenHash == nil || *r.EditTokenHash != hash {
		return false, nil
	}
	r.EditTokenHash, r.EditTokenExpiry = nil, nil
	s.m.regs[id] = r
	return true, nil
}

func (s memRegistrations) MarkCancelled(_ context.Context, id string, reason *string, at time.Time) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.regs[id]
	if !ok || r.Status != model.StatusConfirmed {
		return false, nil
	}
	r.Status = model.StatusCancelled
	r.CancellationReason = reason
	r.CancelledAt = &at
	r.UpdatedAt = at
	s.m.regs[id] = r
	return true, nil
}

func (s memRegistrations) UpsertData(_ context.Context, id string, data map[string]any) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	stored, ok := s.m.data[id]
	if !ok {
		stored = map[string]any{}
	}
	updated := make(map[string]any, len(stored)+len(data))
	for k, v := range stored {
		updated[k] = v
	}
	for k, v := range data {
		updated[k] = v
	}
	s.m.data[id] = updated
	return nil
}

func (s memRegistrations) GetData(_ context.Context, id string) (map[string]any, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := map[string]any{}
	for k, v := range s.m.data[id] {
		out[k] = v
	}
	return out, nil
}

type memFields struct{ m *memStore }

func (s memFields) ListForTicket(_ context.Context, eventID, ticketID string) ([]formschema.Field, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []formschema.Field
	for _, f := range s.m.fields {
		if f.EventID == eventID && f.AppliesToTicket(ticketID) {
			out = append(out, f)
		}
	}
	formschema.Sort(out)
	return out, nil
}

// recordingNotifier keeps every message it is handed.
type recordingNotifier struct {
	mu            sync.Mutex
	confirmations []notify.Confirmation
	editLinks     []notify.EditLink
}

func (n *recordingNotifier) SendConfirmation(_ context.Context, msg notify.Confirmation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmations = append(n.confirmations, msg)
	return nil
}

func (n *recordingNotifier) SendEditLink(_ context.Context, msg notify.EditLink) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.editLinks = append(n.editLinks, msg)
	return nil
}

func (n *recordingNotifier) lastEditLink(t *testing.T) notify.EditLink {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.editLinks, "no edit link sent")
	return n.editLinks[len(n.editLinks)-1]
}

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

const (
	eventID       = "evt-2026"
	generalTicket = "tkt-general"
	inviteTicket  = "tkt-invite"
	testSecret    = "test-edit-token-secret"
)

type fixture struct {
	store        *memStore
	clock        *clock.Fake
	notifier     *recordingNotifier
	dispatcher   *Dispatcher
	admission    *AdmissionService
	tokens       *EditTokenService
	cancellation *CancellationService
}

// newFixture seeds an active event starting 31 days after baseTime with a
// general ticket of ten units and an invite-only ticket, plus a small form.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newMemStore()
	store.events[eventID] = model.Event{
		ID:        eventID,
		Name:      "Conference 2026",
		StartDate: baseTime.Add(31 * 24 * time.Hour),
		EndDate:   baseTime.Add(32 * 24 * time.Hour),
		IsActive:  true,
	}
	store.tickets[generalTicket] = model.Ticket{
		ID: generalTicket, EventID: eventID, Name: "General", Quantity: 10, IsActive: true,
	}
	store.tickets[inviteTicket] = model.Ticket{
		ID: inviteTicket, EventID: eventID, Name: "Invited", Quantity: 10,
		RequireInviteCode: true, IsActive: true,
	}

	inviteOnly := inviteTicket
	fields := []formschema.Field{
		{ID: "nickname", EventID: eventID, Name: formschema.LocalizedText{"en": "Nickname"},
			Type: formschema.TypeText, Required: true, Validater: "^.{1,20}$", Order: 1},
		{ID: "diet", EventID: eventID, Name: formschema.LocalizedText{"en": "Diet"},
			Type: formschema.TypeSelect, Values: formschema.Options{{Value: "omnivore"}, {Value: "vegetarian"}}, Order: 2},
		{ID: "affiliation", EventID: eventID, TicketID: &inviteOnly, Name: formschema.LocalizedText{"en": "Affiliation"},
			Type: formschema.TypeText, Required: true, Order: 3},
	}
	for i := range fields {
		require.NoError(t, fields[i].Prepare())
	}
	store.fields = fields

	clk := clock.NewFake(baseTime)
	notifier := &recordingNotifier{}
	dispatcher := NewDispatcher(zap.NewNop(), time.Second)
	links := Links{FrontendURL: "https://tickets.example.com/", QRCodeBaseURL: "https://qr.example.com/"}
	stores := store.stores()

	tokens := NewEditTokenService(stores, token.NewHasher(testSecret),
		ratelimit.NewMemoryLimiter(clk, 3, time.Hour), notifier, dispatcher, links, clk,
		30*time.Minute, zap.NewNop())

	return &fixture{
		store:        store,
		clock:        clk,
		notifier:     notifier,
		dispatcher:   dispatcher,
		admission:    NewAdmissionService(stores, notifier, dispatcher, links, clk, false, zap.NewNop()),
		tokens:       tokens,
		cancellation: NewCancellationService(stores, tokens, clk, 72*time.Hour, zap.NewNop()),
	}
}

func (f *fixture) addInvite(id, code string, limit *int) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.invites[id] = model.InvitationCode{
		ID: id, TicketID: inviteTicket, Code: code, Name: id, UsageLimit: limit, IsActive: true,
	}
}

func (f *fixture) admitGeneral(t *testing.T, email string) *AdmitResult {
	t.Helper()
	res, err := f.admission.Admit(context.Background(), generalInput(email))
	require.NoError(t, err)
	return res
}

// requestToken asks for an edit link and returns the raw token it carries.
func (f *fixture) requestToken(t *testing.T, email string) string {
	t.Helper()
	require.NoError(t, f.tokens.RequestEdit(context.Background(), RequestEditInput{Email: email}))
	f.dispatcher.Wait()

	u, err := url.Parse(f.notifier.lastEditLink(t).Link)
	require.NoError(t, err)
	raw := u.Query().Get("token")
	require.NotEmpty(t, raw)
	return raw
}

func generalInput(email string) AdmitInput {
	return AdmitInput{
		EventID:       eventID,
		TicketID:      generalTicket,
		Email:         email,
		FormData:      map[string]any{"nickname": "nick", "diet": "vegetarian"},
		AgreedToTerms: true,
	}
}

func intPtr(v int) *int { return &v }

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
