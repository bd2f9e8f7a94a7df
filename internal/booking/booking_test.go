package booking

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"milabs-booking/internal/apperr"
	"milabs-booking/internal/auth"
	"milabs-booking/internal/kafka"
	"milabs-booking/internal/logger"
	"milabs-booking/internal/models"
	"milabs-booking/internal/notification"
	"milabs-booking/internal/order/db"
	orderredis "milabs-booking/internal/order/redis"
	"milabs-booking/internal/payment"
	"milabs-booking/internal/voucher"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const razorpaySecret = "rzp_test_secret"

var now = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

var (
	patient  = &auth.Identity{UserID: "u1", Email: "asha@example.com", Role: auth.RolePatient}
	stranger = &auth.Identity{UserID: "u2", Email: "ravi@example.com", Role: auth.RolePatient}
	support  = &auth.Identity{UserID: "s1", Role: auth.RoleSupportAdmin}
	labAdmin = &auth.Identity{UserID: "l1", Role: auth.RoleLabAdmin, LabID: "lab-1"}
	otherLab = &auth.Identity{UserID: "l2", Role: auth.RoleLabAdmin, LabID: "lab-2"}
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification.Message
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) messages() []notification.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification.Message(nil), n.sent...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) PublishBookingEvent(_ context.Context, topic string, _ models.BookingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type fakeRazorpayOrders struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRazorpayOrders) Create(data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return map[string]interface{}{"id": "order_R1", "amount": data["amount"]}, nil
}

type fakeCheckoutSessions struct {
	sessions map[string]*stripe.CheckoutSession
}

func (f *fakeCheckoutSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	cs := &stripe.CheckoutSession{
		ID:                "cs_test_1",
		URL:               "https://checkout.stripe.com/c/pay/cs_test_1",
		ClientReferenceID: stripe.StringValue(params.ClientReferenceID),
		PaymentStatus:     stripe.CheckoutSessionPaymentStatusUnpaid,
		AmountTotal:       stripe.Int64Value(params.LineItems[0].PriceData.UnitAmount),
	}
	f.sessions[cs.ID] = cs
	return cs, nil
}

func (f *fakeCheckoutSessions) Get(id string, _ *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	cs, ok := f.sessions[id]
	if !ok {
		return nil, &stripe.Error{HTTPStatusCode: 404, Msg: "No such checkout.session"}
	}
	return cs, nil
}

// flakyIssuer fails the first n Generate calls, optionally slowly, and counts calls.
type flakyIssuer struct {
	mu       sync.Mutex
	failures int
	calls    int
	delay    time.Duration
	inner    *voucher.QRGenerator
}

func (f *flakyIssuer) Generate(orderID string, issuedAt time.Time) (*voucher.Voucher, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	delay := f.delay
	f.mu.Unlock()

	time.Sleep(delay)
	if fail {
		return nil, apperr.Encoding(errors.New("encoder unavailable"))
	}
	return f.inner.Generate(orderID, issuedAt)
}

func (f *flakyIssuer) generated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	svc      *Service
	store    *db.DB
	notifier *recordingNotifier
	events   *recordingPublisher
	razorpay *fakeRazorpayOrders
	sessions *fakeCheckoutSessions
	issuer   *flakyIssuer
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = bunDB.Close() })

	for _, model := range []interface{}{
		(*models.User)(nil),
		(*models.Lab)(nil),
		(*models.LabTest)(nil),
		(*models.Package)(nil),
		(*models.Order)(nil),
		(*models.OrderItem)(nil),
	} {
		_, err := bunDB.NewCreateTable().Model(model).IfNotExists().Exec(ctx)
		require.NoError(t, err)
	}

	seed := []interface{}{
		&[]models.User{
			{ID: "u1", Email: "asha@example.com", FullName: "Asha Rao", Role: "user", CreatedAt: now},
			{ID: "u2", Email: "ravi@example.com", FullName: "Ravi Iyer", Role: "user", CreatedAt: now},
		},
		&[]models.Lab{
			{ID: "lab-1", Name: "MiLabs Indiranagar", City: "Bengaluru", Active: true, CreatedAt: now},
			{ID: "lab-2", Name: "MiLabs Andheri", City: "Mumbai", Active: true, CreatedAt: now},
		},
		&[]models.LabTest{
			{ID: "t-cbc", LabID: "lab-1", Name: "Complete Blood Count", Price: 1000, Active: true},
			{ID: "t-lipid", LabID: "lab-1", Name: "Lipid Profile", Price: 499, Active: true},
			{ID: "t-cbc-mum", LabID: "lab-2", Name: "Complete Blood Count", Price: 900, Active: true},
		},
		&[]models.Package{
			{ID: "p-basic", LabID: "lab-1", Name: "Basic Health Check", Price: 1299.5, Active: true},
		},
	}
	for _, rows := range seed {
		_, err := bunDB.NewInsert().Model(rows).Exec(ctx)
		require.NoError(t, err)
	}

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	log := logger.New(io.Discard)
	locks := orderredis.NewRedis(client, time.Minute, log)
	locks.Wait = 2 * time.Second

	f := &fixture{
		store:    db.New(bunDB),
		notifier: &recordingNotifier{},
		events:   &recordingPublisher{},
		razorpay: &fakeRazorpayOrders{},
		sessions: &fakeCheckoutSessions{sessions: map[string]*stripe.CheckoutSession{}},
		issuer:   &flakyIssuer{inner: voucher.NewQRGenerator()},
	}
	stripeGateway := payment.NewStripeWithSessions(f.sessions, payment.StripeOptions{
		WebhookSecret: "whsec_test",
		SuccessURL:    "https://milabs.example/paid",
		CancelURL:     "https://milabs.example/cancelled",
		Timeout:       time.Second,
	})

	f.svc = NewService(Deps{
		Store: f.store,
		Gateways: payment.NewRegistry(
			payment.NewRazorpayWithOrders(f.razorpay, "rzp_test_key", razorpaySecret, time.Second),
			stripeGateway,
		),
		Vouchers: f.issuer,
		Notifier: f.notifier,
		Events:   f.events,
		Locks:    locks,
		Webhooks: stripeGateway,
		Logger:   log,
	}, Config{Currency: "INR", NotifyTimeout: time.Second})
	f.svc.nowFunc = func() time.Time { return now }
	return f
}

func validInput(method string) CreateOrderInput {
	return CreateOrderInput{
		LabID: "lab-1",
		Items: []CreateOrderItem{
			{TestID: "t-cbc", Quantity: 1, Price: 1000},
			{TestID: "t-lipid", Quantity: 1, Price: 499},
		},
		TotalAmount:   1499,
		BookingDate:   now.Add(48 * time.Hour),
		SlotTime:      "09:30",
		PaymentMethod: method,
	}
}

func (f *fixture) createOrder(t *testing.T, method string) *models.Order {
	t.Helper()
	order, err := f.svc.CreateOrder(context.Background(), patient, validInput(method))
	require.NoError(t, err)
	return order
}

// paidOrder runs the razorpay happy path and returns the confirmed order.
func (f *fixture) paidOrder(t *testing.T) *models.Order {
	t.Helper()
	ctx := context.Background()
	order := f.createOrder(t, payment.GatewayRazorpay)
	_, err := f.svc.InitiatePayment(ctx, patient, order.ID, "")
	require.NoError(t, err)
	confirmed, err := f.svc.VerifyAndConfirm(ctx, patient, order.ID, "", rzpProof("pay_1"))
	require.NoError(t, err)
	f.svc.Wait()
	return confirmed
}

func rzpProof(paymentID string) models.PaymentVerification {
	return models.PaymentVerification{
		GatewayOrderID:   "order_R1",
		GatewayPaymentID: paymentID,
		Signature:        payment.Sign("order_R1", paymentID, razorpaySecret),
	}
}

func TestCreateOrder_PricesFromCatalog(t *testing.T) {
	f := setup(t)
	in := validInput(payment.GatewayRazorpay)
	// client prices are ignored, only the total has to agree
	in.Items[0].Price = 1
	in.Items = append(in.Items, CreateOrderItem{PackageID: "p-basic", Quantity: 2})
	in.TotalAmount = 1499 + 2599

	order, err := f.svc.CreateOrder(context.Background(), patient, in)
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, models.OrderPending, order.Status)
	assert.Equal(t, models.PaymentPending, order.PaymentStatus)
	assert.InDelta(t, 4098, order.TotalAmount, 0.001)
	assert.Equal(t, "u1", order.UserID)

	stored, err := f.store.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 3)
	assert.Nil(t, stored.QRCode)
	assert.Equal(t, 1, f.events.count(kafka.TopicOrderCreated))
}

func TestCreateOrder_TotalMismatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	in := validInput(payment.GatewayRazorpay)
	in.TotalAmount = 1000

	_, err := f.svc.CreateOrder(ctx, patient, in)
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, apperr.FieldErrors(err), "totalAmount")

	orders, err := f.store.ListOrders(ctx, models.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)

	// within a paisa is accepted
	in.TotalAmount = 1499.005
	_, err = f.svc.CreateOrder(ctx, patient, in)
	assert.NoError(t, err)
}

func TestCreateOrder_Rejects(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cases := map[string]struct {
		id     *auth.Identity
		mutate func(*CreateOrderInput)
		want   error
	}{
		"anonymous":          {id: nil, want: apperr.ErrUnauthenticated},
		"lab admin":          {id: labAdmin, want: apperr.ErrUnauthorized},
		"no items":           {id: patient, mutate: func(in *CreateOrderInput) { in.Items = nil }, want: apperr.ErrValidation},
		"zero quantity":      {id: patient, mutate: func(in *CreateOrderInput) { in.Items[0].Quantity = 0 }, want: apperr.ErrValidation},
		"test and package":   {id: patient, mutate: func(in *CreateOrderInput) { in.Items[0].PackageID = "p-basic" }, want: apperr.ErrValidation},
		"unknown gateway":    {id: patient, mutate: func(in *CreateOrderInput) { in.PaymentMethod = "paypal" }, want: apperr.ErrValidation},
		"past date":          {id: patient, mutate: func(in *CreateOrderInput) { in.BookingDate = now.Add(-48 * time.Hour) }, want: apperr.ErrValidation},
		"unknown lab":        {id: patient, mutate: func(in *CreateOrderInput) { in.LabID = "lab-404" }, want: apperr.ErrNotFound},
		"test of other lab":  {id: patient, mutate: func(in *CreateOrderInput) { in.Items[0].TestID = "t-cbc-mum" }, want: apperr.ErrNotFound},
		"on behalf, patient": {id: patient, mutate: func(in *CreateOrderInput) { in.UserID = "u2" }, want: apperr.ErrUnauthorized},
		"on behalf, unknown": {id: support, mutate: func(in *CreateOrderInput) { in.UserID = "u404" }, want: apperr.ErrNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			in := validInput(payment.GatewayRazorpay)
			if tc.mutate != nil {
				tc.mutate(&in)
			}
			_, err := f.svc.CreateOrder(ctx, tc.id, in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreateOrder_OnBehalf(t *testing.T) {
	f := setup(t)
	in := validInput(payment.GatewayStripe)
	in.UserID = "u2"

	order, err := f.svc.CreateOrder(context.Background(), support, in)
	require.NoError(t, err)
	assert.Equal(t, "u2", order.UserID)
}

// Razorpay happy path: confirmed, paid, voucher valid for 30 days, one email with the voucher.
func TestVerifyAndConfirm_Razorpay(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	order := f.createOrder(t, payment.GatewayRazorpay)

	sess, err := f.svc.InitiatePayment(ctx, patient, order.ID, payment.GatewayRazorpay)
	require.NoError(t, err)
	assert.Equal(t, "order_R1", sess.Handle)
	assert.Equal(t, int64(149900), sess.AmountMinor)
	assert.Equal(t, "rzp_test_key", sess.ClientParams["key"])

	confirmed, err := f.svc.VerifyAndConfirm(ctx, patient, order.ID, payment.GatewayRazorpay, rzpProof("pay_1"))
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, models.OrderConfirmed, confirmed.Status)
	assert.Equal(t, models.PaymentPaid, confirmed.PaymentStatus)
	require.NotNil(t, confirmed.PaymentID)
	assert.Equal(t, "pay_1", *confirmed.PaymentID)
	require.True(t, confirmed.HasVoucher())
	assert.True(t, strings.HasPrefix(*confirmed.QRCode, "data:image/png;base64,"))
	require.NotNil(t, confirmed.QRExpiresAt)
	assert.True(t, confirmed.QRExpiresAt.Equal(now.Add(30*24*time.Hour)))
	assert.Equal(t, voucher.BuildPayload(order.ID, now), *confirmed.QRPayload)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "asha@example.com", msgs[0].To)
	assert.Contains(t, msgs[0].HTML, "30 days")
	require.Len(t, msgs[0].Inline, 1)
	assert.Equal(t, notification.VoucherCID, msgs[0].Inline[0].Name)
	assert.Equal(t, 1, f.events.count(kafka.TopicOrderConfirmed))
}

func TestVerifyAndConfirm_BadSignature(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	order := f.createOrder(t, payment.GatewayRazorpay)
	_, err := f.svc.InitiatePayment(ctx, patient, order.ID, "")
	require.NoError(t, err)

	proof := rzpProof("pay_1")
	proof.Signature = strings.Repeat("0", 64)
	_, err = f.svc.VerifyAndConfirm(ctx, patient, order.ID, "", proof)
	require.ErrorIs(t, err, apperr.ErrSignatureMismatch)

	// a valid signature for a different gateway order is rejected too
	other := models.PaymentVerification{GatewayOrderID: "order_X", GatewayPaymentID: "pay_1", Signature: payment.Sign("order_X", "pay_1", razorpaySecret)}
	_, err = f.svc.VerifyAndConfirm(ctx, patient, order.ID, "", other)
	require.ErrorIs(t, err, apperr.ErrSignatureMismatch)
	f.svc.Wait()

	stored, err := f.store.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, stored.Status)
	assert.Equal(t, models.PaymentPending, stored.PaymentStatus)
	assert.Nil(t, stored.QRCode)
	assert.Empty(t, f.notifier.messages())
	assert.Equal(t, 0, f.events.count(kafka.TopicOrderConfirmed))
}

func TestVerifyAndConfirm_Idempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	first := f.paidOrder(t)

	// a later retry, even with a different proof, changes nothing
	f.svc.nowFunc = func() time.Time { return now.Add(time.Hour) }
	again, err := f.svc.VerifyAndConfirm(ctx, patient, first.ID, "", rzpProof("pay_2"))
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, *first.QRPayload, *again.QRPayload)
	assert.Equal(t, "pay_1", *again.PaymentID)
	assert.True(t, first.QRExpiresAt.Equal(*again.QRExpiresAt))
	assert.Len(t, f.notifier.messages(), 1)
	assert.Equal(t, 1, f.events.count(kafka.TopicOrderConfirmed))
}

func TestVerifyAndConfirm_Concurrent(t *testing.T) {
	tests := []struct {
		name      string
		withRedis bool
	}{
		{"redis lock", true},
		{"in-process lock only", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			if !tt.withRedis {
				f.svc.locks = nil
			}
			// a slow encoder widens the window between confirming and attaching
			f.issuer.delay = 150 * time.Millisecond
			order := f.createOrder(t, payment.GatewayRazorpay)
			_, err := f.svc.InitiatePayment(ctx, patient, order.ID, "")
			require.NoError(t, err)

			const callers = 6
			var wg sync.WaitGroup
			results := make([]*models.Order, callers)
			errs := make([]error, callers)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					time.Sleep(time.Duration(i) * 40 * time.Millisecond)
					results[i], errs[i] = f.svc.VerifyAndConfirm(ctx, patient, order.ID, "", rzpProof("pay_1"))
				}(i)
			}
			wg.Wait()
			f.svc.Wait()

			assert.Equal(t, 1, f.issuer.generated())
			stored, err := f.store.GetOrderByID(ctx, order.ID)
			require.NoError(t, err)
			for i := 0; i < callers; i++ {
				require.NoError(t, errs[i])
				assert.Equal(t, models.PaymentPaid, results[i].PaymentStatus)
				require.True(t, results[i].HasVoucher())
				assert.Equal(t, *stored.QRPayload, *results[i].QRPayload)
			}

			msgs := f.notifier.messages()
			require.Len(t, msgs, 1)
			require.Len(t, msgs[0].Inline, 1)
			assert.Equal(t, notification.VoucherCID, msgs[0].Inline[0].Name)
			assert.Equal(t, 1, f.events.count(kafka.TopicOrderConfirmed))
		})
	}
}

func TestVerifyAndConfirm_WithoutRedis(t *testing.T) {
	f := setup(t)
	unreachable := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { unreachable.Close() })
	f.svc.locks = orderredis.NewRedis(unreachable, time.Minute, logger.New(io.Discard))
	order := f.createOrder(t, payment.GatewayRazorpay)
	_, err := f.svc.InitiatePayment(context.Background(), patient, order.ID, "")
	require.NoError(t, err)

	confirmed, err := f.svc.VerifyAndConfirm(context.Background(), patient, order.ID, "", rzpProof("pay_1"))
	require.NoError(t, err)
	assert.True(t, confirmed.HasVoucher())
	f.svc.Wait()
}

func TestVerifyAndConfirm_RepairsMissingVoucher(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.issuer.failures = 1
	order := f.createOrder(t, payment.GatewayRazorpay)
	_, err := f.svc.InitiatePayment(ctx, patient, order.ID, "")
	require.NoError(t, err)

	_, err = f.svc.VerifyAndConfirm(ctx, patient, order.ID, "", rzpProof("pay_1"))
	require.ErrorIs(t, err, apperr.ErrEncoding)

	stored, err := f.store.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, stored.PaymentStatus)
	assert.False(t, stored.HasVoucher())

	repaired, err := f.svc.VerifyAndConfirm(ctx, patient, order.ID, "", rzpProof("pay_1"))
	require.NoError(t, err)
	assert.True(t, repaired.HasVoucher())
	assert.Equal(t, "pay_1", *repaired.PaymentID)
}

func TestVerifyAndConfirm_RepairWaitsWithoutDistributedLock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.issuer.failures = 1
	order := f.createOrder(t, payment.GatewayRazorpay)
	_, err := f.svc.InitiatePayment(ctx, patient, order.ID, "")
	require.NoError(t, err)
	_, err = f.svc.VerifyAndConfirm(ctx, patient, order.ID, "", rzpProof("pay_1"))
	require.ErrorIs(t, err, apperr.ErrEncoding)

	unreachable := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { unreachable.Close() })
	f.svc.locks = orderredis.NewRedis(unreachable, time.Minute, logger.New(io.Discard))

	// another instance could still be attaching, so a fresh paid order is left alone
	seen, err := f.svc.VerifyAndConfirm(ctx, patient, order.ID, "", rzpProof("pay_1"))
	require.NoError(t, err)
	assert.False(t, seen.HasVoucher())
	assert.Equal(t, 1, f.issuer.generated())

	f.svc.nowFunc = func() time.Time { return now.Add(2 * time.Minute) }
	repaired, err := f.svc.VerifyAndConfirm(ctx, patient, order.ID, "", rzpProof("pay_1"))
	require.NoError(t, err)
	assert.True(t, repaired.HasVoucher())
	assert.Equal(t, 2, f.issuer.generated())
}

func TestVerifyAndConfirm_StateAndAccess(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	order := f.createOrder(t, payment.GatewayRazorpay)

	_, err := f.svc.InitiatePayment(ctx, stranger, order.ID, "")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = f.svc.VerifyAndConfirm(ctx, stranger, order.ID, "", rzpProof("pay_1"))
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = f.svc.VerifyAndConfirm(ctx, patient, "missing", "", rzpProof("pay_1"))
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)
	_, err = f.svc.InitiatePayment(ctx, patient, order.ID, "paypal")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.CancelOrder(ctx, patient, order.ID)
	require.NoError(t, err)
	_, err = f.svc.InitiatePayment(ctx, patient, order.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = f.svc.VerifyAndConfirm(ctx, patient, order.ID, "", rzpProof("pay_1"))
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestStripeCheckoutAndWebhook(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	var logs bytes.Buffer
	f.svc.logger = logger.New(&logs)
	order := f.createOrder(t, payment.GatewayStripe)

	sess, err := f.svc.InitiatePayment(ctx, patient, order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", sess.Handle)
	assert.NotEmpty(t, sess.RedirectURL)

	// the client claiming success is not enough while stripe says unpaid
	_, err = f.svc.VerifyAndConfirm(ctx, patient, order.ID, "", models.PaymentVerification{SessionID: "cs_test_1"})
	require.ErrorIs(t, err, apperr.ErrSignatureMismatch)

	f.sessions.sessions["cs_test_1"].PaymentStatus = stripe.CheckoutSessionPaymentStatusPaid
	f.sessions.sessions["cs_test_1"].PaymentIntent = &stripe.PaymentIntent{ID: "pi_1"}

	payload := []byte(`{
		"id": "evt_1",
		"object": "event",
		"type": "checkout.session.completed",
		"created": 1746090000,
		"data": {"object": {"id": "cs_test_1", "object": "checkout.session", "client_reference_id": "` + order.ID + `", "payment_status": "paid"}}
	}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_test", Timestamp: time.Now()})

	require.NoError(t, f.svc.HandleStripeWebhook(ctx, signed.Payload, signed.Header))
	// stripe retries deliveries
	require.NoError(t, f.svc.HandleStripeWebhook(ctx, signed.Payload, signed.Header))
	f.svc.Wait()

	stored, err := f.store.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, "pi_1", *stored.PaymentID)
	assert.True(t, stored.HasVoucher())
	assert.Len(t, f.notifier.messages(), 1)
	assert.Contains(t, logs.String(), "payment pi_1 confirmed by system:stripe")

	err = f.svc.HandleStripeWebhook(ctx, signed.Payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, apperr.ErrSignatureMismatch)
}

func TestStripeWebhook_UnknownOrderIgnored(t *testing.T) {
	f := setup(t)
	payload := []byte(`{
		"id": "evt_2",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_x", "object": "checkout.session", "client_reference_id": "nope", "payment_status": "paid"}}
	}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_test", Timestamp: time.Now()})
	assert.NoError(t, f.svc.HandleStripeWebhook(context.Background(), signed.Payload, signed.Header))
}

func TestNotificationFailureDoesNotUndoPayment(t *testing.T) {
	f := setup(t)
	f.notifier.err = errors.New("smtp down")

	confirmed := f.paidOrder(t)
	assert.Equal(t, models.PaymentPaid, confirmed.PaymentStatus)
	assert.True(t, confirmed.HasVoucher())
}

func TestGetOrders_Visibility(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	mine := f.createOrder(t, payment.GatewayRazorpay)

	in := validInput(payment.GatewayRazorpay)
	in.LabID = "lab-2"
	in.Items = []CreateOrderItem{{TestID: "t-cbc-mum", Quantity: 1}}
	in.TotalAmount = 900
	theirs, err := f.svc.CreateOrder(ctx, stranger, in)
	require.NoError(t, err)

	// patients are pinned to their own orders whatever they ask for
	orders, err := f.svc.GetOrders(ctx, patient, models.OrderFilter{UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, mine.ID, orders[0].ID)

	orders, err = f.svc.GetOrders(ctx, support, models.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	orders, err = f.svc.GetOrders(ctx, otherLab, models.OrderFilter{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, theirs.ID, orders[0].ID)

	_, err = f.svc.GetOrders(ctx, labAdmin, models.OrderFilter{LabID: "lab-2"})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = f.svc.GetOrders(ctx, patient, models.OrderFilter{Offset: -1})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.GetOrders(ctx, nil, models.OrderFilter{})
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	got, err := f.svc.GetOrder(ctx, labAdmin, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, mine.ID, got.ID)
	_, err = f.svc.GetOrder(ctx, stranger, mine.ID)
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)
	_, err = f.svc.GetOrder(ctx, otherLab, mine.ID)
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)
}

func TestCancelOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	order := f.createOrder(t, payment.GatewayRazorpay)

	_, err := f.svc.CancelOrder(ctx, stranger, order.ID)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	cancelled, err := f.svc.CancelOrder(ctx, support, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, cancelled.Status)
	assert.Equal(t, models.PaymentPending, cancelled.PaymentStatus)

	_, err = f.svc.CancelOrder(ctx, patient, order.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	paid := f.paidOrder(t)
	_, err = f.svc.CancelOrder(ctx, patient, paid.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestRedeemVoucher(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	order := f.paidOrder(t)
	payload := *order.QRPayload

	_, err := f.svc.RedeemVoucher(ctx, patient, payload)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = f.svc.RedeemVoucher(ctx, otherLab, payload)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = f.svc.RedeemVoucher(ctx, labAdmin, "not-a-voucher")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.RedeemVoucher(ctx, labAdmin, voucher.BuildPayload(order.ID, now.Add(-time.Hour)))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	done, err := f.svc.RedeemVoucher(ctx, labAdmin, payload)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, done.Status)
	assert.True(t, done.QRRedeemed)

	_, err = f.svc.RedeemVoucher(ctx, labAdmin, payload)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestRedeemVoucher_Expired(t *testing.T) {
	f := setup(t)
	order := f.paidOrder(t)

	f.svc.nowFunc = func() time.Time { return now.Add(models.VoucherValidity) }
	_, err := f.svc.RedeemVoucher(context.Background(), labAdmin, *order.QRPayload)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestHandleVoucherScan(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	order := f.paidOrder(t)

	err := f.svc.HandleVoucherScan(ctx, models.VoucherScanEvent{Payload: *order.QRPayload, LabID: "lab-2", ScannedAt: now})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	err = f.svc.HandleVoucherScan(ctx, models.VoucherScanEvent{Payload: *order.QRPayload, LabID: "lab-1", ScannedBy: "scanner-7", ScannedAt: now})
	require.NoError(t, err)

	stored, err := f.store.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, stored.Status)
}

func TestKeyedMutex(t *testing.T) {
	var k keyedMutex
	unlockA := k.Lock("a")
	// other keys are independent
	unlockB := k.Lock("b")
	unlockB()

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(50 * time.Millisecond):
	}
	unlockA()
	<-acquired

	require.Eventually(t, func() bool {
		k.mu.Lock()
		defer k.mu.Unlock()
		return len(k.locks) == 0
	}, time.Second, 10*time.Millisecond)
}
