package orkestra_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/ambiyansyah-risyal/orkestra"
	"github.com/ambiyansyah-risyal/orkestra/body"
	"github.com/ambiyansyah-risyal/orkestra/configbag"
	"github.com/ambiyansyah-risyal/orkestra/endpoint"
	"github.com/ambiyansyah-risyal/orkestra/identity"
	"github.com/ambiyansyah-risyal/orkestra/orkestratest"
	"github.com/ambiyansyah-risyal/orkestra/protocol/restjson"
)

type getObjectInput struct {
	Bucket string `http:"label=bucket"`
	Key    string `http:"label=key"`
}

type getObjectOutput struct {
	Body        []byte `http:"payload"`
	ContentType string `http:"header=Content-Type"`
}

type putObjectInput struct {
	Bucket string    `http:"label=bucket"`
	Key    string    `http:"label=key"`
	Body   body.Body `http:"payload"`
}

type putObjectOutput struct {
	ETag string `http:"header=Etag"`
}

var (
	getObject = restjson.NewOperation[getObjectOutput](orkestra.OperationMetadata{
		Service: "storage", Operation: "GetObject", Flags: orkestra.FlagIdempotent | orkestra.FlagPresignable,
	}, restjson.Route{Method: http.MethodGet, Path: "/{bucket}/{key}"})

	putObject = restjson.NewOperation[putObjectOutput](orkestra.OperationMetadata{
		Service: "storage", Operation: "PutObject", Flags: orkestra.FlagStreamingRequest,
	}, restjson.Route{Method: http.MethodPut, Path: "/{bucket}/{key}"})
)

const testEndpoint = "https://storage.example.com"

func newTestClient(t *testing.T, transport orkestra.HTTPClient, opts ...orkestra.Option) *orkestra.Client {
	t.Helper()
	base := []orkestra.Option{
		orkestra.WithHTTPClient(transport),
		orkestra.WithEndpoint(testEndpoint),
		orkestra.WithRegion("test-1"),
		orkestra.WithCredentials("AKIDEXAMPLE", "secret", ""),
		orkestra.WithStaticJitter(),
		orkestra.WithInitialBackoff(10 * time.Millisecond),
		orkestra.WithMaxBackoff(20 * time.Millisecond),
	}
	client := orkestra.New(append(base, opts...)...)
	if !client.IsValid() {
		t.Fatalf("invalid client: %v", client.ValidationError())
	}
	return client
}

func getHello(ctx context.Context, client *orkestra.Client, plugins ...orkestra.RuntimePlugin) (*getObjectOutput, error) {
	return orkestra.InvokeAs[*getObjectOutput](ctx, client, getObject, &getObjectInput{Bucket: "b", Key: "k"}, plugins...)
}

func TestHappyPath(t *testing.T) {
	sc := orkestratest.NewScriptedClient(orkestratest.Status(200, "hello"))
	client := newTestClient(t, sc)

	out, err := getHello(context.Background(), client)
	if err != nil {
		t.Fatalf("Invoke() returned error: %v", err)
	}
	if string(out.Body) != "hello" {
		t.Errorf("Expected body 'hello', got '%s'", out.Body)
	}
	if sc.Calls() != 1 {
		t.Errorf("Expected 1 attempt, got %d", sc.Calls())
	}
	if got := client.TokenBucket().Available(); got != orkestra.DefaultRetryCapacity {
		t.Errorf("Expected token bucket unchanged at %d, got %d", orkestra.DefaultRetryCapacity, got)
	}

	req := sc.Requests()[0]
	if req.Method != http.MethodGet {
		t.Errorf("Expected GET, got %s", req.Method)
	}
	if got := req.URL.String(); got != testEndpoint+"/b/k" {
		t.Errorf("Expected URL %s/b/k, got %s", testEndpoint, got)
	}
	if !strings.HasPrefix(req.Header.Get("Authorization"), "ORKESTRA-HMAC-SHA256 Credential=AKIDEXAMPLE/") {
		t.Errorf("Expected HMAC authorization, got %q", req.Header.Get("Authorization"))
	}
	if got := req.Header.Get(orkestra.HeaderRequestInfo); got != "attempt=1; max=3" {
		t.Errorf("Expected request info 'attempt=1; max=3', got %q", got)
	}
	if got := req.Header.Get("User-Agent"); got != orkestra.UserAgent(getObject.Metadata) {
		t.Errorf("Expected User-Agent %q, got %q", orkestra.UserAgent(getObject.Metadata), got)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	sc := orkestratest.NewScriptedClient(
		orkestratest.Status(500, ""),
		orkestratest.Status(503, ""),
		orkestratest.Status(200, "hello"),
	)
	client := newTestClient(t, sc, orkestra.WithMaxAttempts(3))

	out, err := getHello(context.Background(), client)
	if err != nil {
		t.Fatalf("Invoke() returned error: %v", err)
	}
	if string(out.Body) != "hello" {
		t.Errorf("Expected body 'hello', got '%s'", out.Body)
	}
	if sc.Calls() != 3 {
		t.Errorf("Expected 3 attempts, got %d", sc.Calls())
	}
	// two retries at 5 tokens each, one success refund
	if got, want := client.TokenBucket().Available(), orkestra.DefaultRetryCapacity-9; got != want {
		t.Errorf("Expected %d tokens, got %d", want, got)
	}

	reqs := sc.Requests()
	id := reqs[0].Header.Get(orkestra.HeaderInvocationID)
	if id == "" {
		t.Fatal("Expected an invocation id header")
	}
	for i, r := range reqs {
		if got := r.Header.Get(orkestra.HeaderInvocationID); got != id {
			t.Errorf("attempt %d: Expected invocation id %s, got %s", i+1, id, got)
		}
	}
	if got := reqs[2].Header.Get(orkestra.HeaderRequestInfo); got != "attempt=3; max=3" {
		t.Errorf("Expected 'attempt=3; max=3', got %q", got)
	}
}

func TestRetryQuotaExhausted(t *testing.T) {
	sc := orkestratest.NewScriptedClient(orkestratest.Status(500, ""), orkestratest.Status(200, "hello"))
	client := newTestClient(t, sc)
	client.TokenBucket().Drain(4)

	_, err := getHello(context.Background(), client)
	if !orkestra.IsKind(err, orkestra.KindQuota) {
		t.Fatalf("Expected quota error, got %v", err)
	}
	if !errors.Is(err, orkestra.ErrQuotaExhausted) {
		t.Errorf("Expected ErrQuotaExhausted in chain, got %v", err)
	}
	var sdkErr *orkestra.SdkError
	if !errors.As(err, &sdkErr) {
		t.Fatalf("Expected *SdkError, got %T", err)
	}
	if sdkErr.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", sdkErr.Attempts)
	}
	if len(sdkErr.Previous) != 0 {
		t.Errorf("Expected no previous errors, got %d", len(sdkErr.Previous))
	}
	if sc.Calls() != 1 {
		t.Errorf("Expected 1 call, got %d", sc.Calls())
	}
	if orkestra.IsRetryable(err) {
		t.Error("Expected quota error to be terminal")
	}
}

func TestOperationTimeoutDuringBackoff(t *testing.T) {
	sc := orkestratest.Repeating(orkestratest.Status(500, ""))
	client := newTestClient(t, sc,
		orkestra.WithInitialBackoff(2*time.Second),
		orkestra.WithMaxBackoff(20*time.Second),
		orkestra.WithOperationTimeout(500*time.Millisecond),
	)

	start := time.Now()
	_, err := getHello(context.Background(), client)
	elapsed := time.Since(start)

	if !orkestra.IsKind(err, orkestra.KindTimeout) {
		t.Fatalf("Expected timeout error, got %v", err)
	}
	if !errors.Is(err, orkestra.ErrOperationTimeout) {
		t.Errorf("Expected ErrOperationTimeout in chain, got %v", err)
	}
	var sdkErr *orkestra.SdkError
	errors.As(err, &sdkErr)
	if sdkErr.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", sdkErr.Attempts)
	}
	if elapsed < 450*time.Millisecond || elapsed > 1500*time.Millisecond {
		t.Errorf("Expected to fail near the 500ms budget, took %v", elapsed)
	}
	if sc.Calls() != 1 {
		t.Errorf("Expected 1 call, got %d", sc.Calls())
	}
}

func TestStalledResponseBodyIsRetried(t *testing.T) {
	done := make(chan struct{})
	defer close(done)
	stalled := orkestratest.Reply{Status: 200, NewBody: func() body.Body {
		pr, pw := io.Pipe()
		go func() {
			_, _ = pw.Write([]byte("h"))
			<-done
			_ = pw.Close()
		}()
		return body.FromReadCloser(pr, -1)
	}}
	sc := orkestratest.NewScriptedClient(stalled, orkestratest.Status(200, "hello"))
	client := newTestClient(t, sc, orkestra.WithStalledStreamProtection(orkestra.StalledStreamProtectionConfig{
		Enabled:           true,
		MinBytesPerSecond: 1,
		GracePeriod:       100 * time.Millisecond,
		CheckInterval:     20 * time.Millisecond,
		Window:            200 * time.Millisecond,
	}))

	var firstErr error
	record := &orkestra.InterceptorFuncs{
		InterceptorName: "record",
		OnAfterAttempt: func(ictx *orkestra.InterceptorContext, _ *orkestra.RuntimeComponents, _ *configbag.Bag) error {
			if r, err := ictx.OutputOrError(); err == nil && ictx.Attempt() == 1 {
				firstErr = r.Err
			}
			return nil
		},
	}

	out, err := getHello(context.Background(), client, orkestra.AddInterceptors(record))
	if err != nil {
		t.Fatalf("Invoke() returned error: %v", err)
	}
	if string(out.Body) != "hello" {
		t.Errorf("Expected body 'hello', got '%s'", out.Body)
	}
	if !orkestra.IsKind(firstErr, orkestra.KindResponse) {
		t.Errorf("Expected first attempt to fail with a response error, got %v", firstErr)
	}
	var stall *body.ThroughputBelowMinimumError
	if !errors.As(firstErr, &stall) {
		t.Errorf("Expected ThroughputBelowMinimumError, got %v", firstErr)
	}
	// a transient retry costs the timeout cost
	if got, want := client.TokenBucket().Available(), orkestra.DefaultRetryCapacity-orkestra.DefaultTimeoutCost+1; got != want {
		t.Errorf("Expected %d tokens, got %d", want, got)
	}
}

func TestIdentityRefreshStorm(t *testing.T) {
	var calls int32
	resolver := identity.ResolverFunc(func(ctx context.Context) (identity.Identity, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return identity.New(identity.Credentials{AccessKeyID: "AKIDSTORM", SecretAccessKey: "secret"}, time.Now().Add(time.Hour)), nil
	})
	sc := orkestratest.Repeating(orkestratest.Status(200, "hello"))
	client := newTestClient(t, sc, orkestra.WithIdentityResolver(orkestra.AuthSchemeHMAC, resolver))

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := getHello(context.Background(), client)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Invoke() returned error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected 1 resolver call, got %d", got)
	}
	for _, r := range sc.Requests() {
		if !strings.Contains(r.Header.Get("Authorization"), "AKIDSTORM/") {
			t.Errorf("Expected request signed with the resolved identity, got %q", r.Header.Get("Authorization"))
		}
	}
}

type hookRecorder struct {
	mu    sync.Mutex
	name  string
	hooks []string
	fail  map[string]error
}

func (r *hookRecorder) rec(hook string) orkestra.HookFunc {
	return func(*orkestra.InterceptorContext, *orkestra.RuntimeComponents, *configbag.Bag) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.hooks = append(r.hooks, hook)
		return r.fail[hook]
	}
}

func (r *hookRecorder) interceptor() orkestra.Interceptor {
	return &orkestra.InterceptorFuncs{
		InterceptorName:         r.name,
		OnBeforeSerialization:   r.rec("BeforeSerialization"),
		OnAfterSerialization:    r.rec("AfterSerialization"),
		OnBeforeRetryLoop:       r.rec("BeforeRetryLoop"),
		OnBeforeAttempt:         r.rec("BeforeAttempt"),
		OnBeforeSigning:         r.rec("BeforeSigning"),
		OnAfterSigning:          r.rec("AfterSigning"),
		OnBeforeTransmit:        r.rec("BeforeTransmit"),
		OnAfterTransmit:         r.rec("AfterTransmit"),
		OnBeforeDeserialization: r.rec("BeforeDeserialization"),
		OnAfterDeserialization:  r.rec("AfterDeserialization"),
		OnAfterAttempt:          r.rec("AfterAttempt"),
		OnAfterExecution:        r.rec("AfterExecution"),
	}
}

func (r *hookRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.hooks...)
}

func TestHookOrder(t *testing.T) {
	rec := &hookRecorder{name: "rec"}
	sc := orkestratest.NewScriptedClient(orkestratest.Status(500, ""), orkestratest.Status(200, "hello"))
	client := newTestClient(t, sc, orkestra.WithInterceptor(rec.interceptor()))

	if _, err := getHello(context.Background(), client); err != nil {
		t.Fatalf("Invoke() returned error: %v", err)
	}
	attempt := []string{
		"BeforeAttempt", "BeforeSigning", "AfterSigning", "BeforeTransmit", "AfterTransmit",
		"BeforeDeserialization", "AfterDeserialization", "AfterAttempt",
	}
	want := []string{"BeforeSerialization", "AfterSerialization", "BeforeRetryLoop"}
	want = append(want, attempt...)
	want = append(want, attempt...)
	want = append(want, "AfterExecution")
	if diff := cmp.Diff(want, rec.seen()); diff != "" {
		t.Errorf("hook order mismatch (-want +got):\n%s", diff)
	}
}

var hookPartners = map[string]string{
	"BeforeSerialization":   "AfterSerialization",
	"BeforeAttempt":         "AfterAttempt",
	"BeforeSigning":         "AfterSigning",
	"BeforeTransmit":        "AfterTransmit",
	"BeforeDeserialization": "AfterDeserialization",
}

var allHooks = []string{
	"BeforeSerialization", "AfterSerialization", "BeforeRetryLoop", "BeforeAttempt",
	"BeforeSigning", "AfterSigning", "BeforeTransmit", "AfterTransmit",
	"BeforeDeserialization", "AfterDeserialization", "AfterAttempt", "AfterExecution",
}

type hookCall struct {
	idx  int
	hook string
}

// stackLog records the hooks of several interceptors in one sequence.
type stackLog struct {
	mu    sync.Mutex
	calls []hookCall
}

func (l *stackLog) interceptor(idx int, failHook string) orkestra.Interceptor {
	rec := func(hook string) orkestra.HookFunc {
		return func(*orkestra.InterceptorContext, *orkestra.RuntimeComponents, *configbag.Bag) error {
			l.mu.Lock()
			l.calls = append(l.calls, hookCall{idx: idx, hook: hook})
			l.mu.Unlock()
			if hook == failHook {
				return fmt.Errorf("interceptor %d failed in %s", idx, hook)
			}
			return nil
		}
	}
	return &orkestra.InterceptorFuncs{
		InterceptorName:         fmt.Sprintf("stack-%d", idx),
		OnBeforeSerialization:   rec("BeforeSerialization"),
		OnAfterSerialization:    rec("AfterSerialization"),
		OnBeforeRetryLoop:       rec("BeforeRetryLoop"),
		OnBeforeAttempt:         rec("BeforeAttempt"),
		OnBeforeSigning:         rec("BeforeSigning"),
		OnAfterSigning:          rec("AfterSigning"),
		OnBeforeTransmit:        rec("BeforeTransmit"),
		OnAfterTransmit:         rec("AfterTransmit"),
		OnBeforeDeserialization: rec("BeforeDeserialization"),
		OnAfterDeserialization:  rec("AfterDeserialization"),
		OnAfterAttempt:          rec("AfterAttempt"),
		OnAfterExecution:        rec("AfterExecution"),
	}
}

func TestRandomInterceptorStacksKeepHookOrder(t *testing.T) {
	for seed := int64(1); seed <= 40; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			r := rand.New(rand.NewSource(seed))
			n := 1 + r.Intn(4)
			failIdx, failHook := -1, ""
			if r.Intn(3) > 0 {
				failIdx, failHook = r.Intn(n), allHooks[r.Intn(len(allHooks))]
			}

			log := &stackLog{}
			opts := []orkestra.Option{orkestra.WithMaxAttempts(3)}
			for i := 0; i < n; i++ {
				hook := ""
				if i == failIdx {
					hook = failHook
				}
				opts = append(opts, orkestra.WithInterceptor(log.interceptor(i, hook)))
			}
			failures := r.Intn(3)
			var replies []orkestratest.Reply
			for i := 0; i < 3; i++ {
				if i < failures {
					replies = append(replies, orkestratest.Status(500, ""))
				} else {
					replies = append(replies, orkestratest.Status(200, "hello"))
				}
			}
			client := newTestClient(t, orkestratest.NewScriptedClient(replies...), opts...)

			_, err := getHello(context.Background(), client)
			if strings.HasPrefix(failHook, "Before") {
				var ie *orkestra.InterceptorError
				if !errors.As(err, &ie) {
					t.Fatalf("Expected an InterceptorError from %s, got %v", failHook, err)
				}
				if ie.Hook.String() != failHook || ie.Interceptor != fmt.Sprintf("stack-%d", failIdx) {
					t.Errorf("Expected stack-%d %s to fail, got %s %s", failIdx, failHook, ie.Interceptor, ie.Hook)
				}
			} else if err != nil {
				t.Fatalf("Expected after hook failures to leave the result alone, got %v", err)
			}

			log.mu.Lock()
			calls := append([]hookCall(nil), log.calls...)
			log.mu.Unlock()
			checkHookGroups(t, calls, n, failIdx, failHook)
			checkHookPairs(t, calls)
		})
	}
}

// checkHookGroups verifies each run of a hook: Before hooks run in
// registration order up to the first failure, After hooks run in reverse
// order for every interceptor.
func checkHookGroups(t *testing.T, calls []hookCall, n, failIdx int, failHook string) {
	t.Helper()
	for start := 0; start < len(calls); {
		end := start
		for end < len(calls) && calls[end].hook == calls[start].hook {
			end++
		}
		hook := calls[start].hook
		var got []int
		for _, c := range calls[start:end] {
			got = append(got, c.idx)
		}
		var want []int
		if strings.HasPrefix(hook, "After") {
			for i := n - 1; i >= 0; i-- {
				want = append(want, i)
			}
		} else {
			last := n - 1
			if hook == failHook {
				last = failIdx
			}
			for i := 0; i <= last; i++ {
				want = append(want, i)
			}
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s ran in the wrong order (-want +got):\n%s", hook, diff)
		}
		start = end
	}
	if len(calls) == 0 || calls[len(calls)-1] != (hookCall{idx: 0, hook: "AfterExecution"}) {
		t.Errorf("Expected AfterExecution of the first interceptor to run last, got %v", calls)
	}
}

// checkHookPairs verifies that every Before hook the first interceptor saw
// is closed by its After partner before it opens again.
func checkHookPairs(t *testing.T, calls []hookCall) {
	t.Helper()
	open := map[string]bool{}
	for _, c := range calls {
		if c.idx != 0 {
			continue
		}
		if partner, ok := hookPartners[c.hook]; ok {
			if open[partner] {
				t.Errorf("%s ran again before %s", c.hook, partner)
			}
			open[partner] = true
			continue
		}
		if strings.HasPrefix(c.hook, "After") && c.hook != "AfterExecution" {
			if !open[c.hook] {
				t.Errorf("%s ran without its Before hook", c.hook)
			}
			delete(open, c.hook)
		}
	}
	for hook := range open {
		t.Errorf("Expected %s to run", hook)
	}
}

func TestAfterHookRunsWhenBeforeHookFails(t *testing.T) {
	rec := &hookRecorder{name: "rec", fail: map[string]error{"BeforeTransmit": errors.New("boom")}}
	sc := orkestratest.Repeating(orkestratest.Status(200, "hello"))
	client := newTestClient(t, sc, orkestra.WithMaxAttempts(1), orkestra.WithInterceptor(rec.interceptor()))

	_, err := getHello(context.Background(), client)
	if !orkestra.IsKind(err, orkestra.KindDispatch) {
		t.Fatalf("Expected dispatch error, got %v", err)
	}
	var ie *orkestra.InterceptorError
	if !errors.As(err, &ie) || ie.Hook != orkestra.HookBeforeTransmit || ie.Interceptor != "rec" {
		t.Errorf("Expected InterceptorError from rec.BeforeTransmit, got %v", err)
	}
	if sc.Calls() != 0 {
		t.Errorf("Expected no transmit, got %d calls", sc.Calls())
	}
	seen := rec.seen()
	for _, hook := range []string{"AfterTransmit", "AfterAttempt", "AfterExecution"} {
		found := false
		for _, h := range seen {
			found = found || h == hook
		}
		if !found {
			t.Errorf("Expected %s to run, saw %v", hook, seen)
		}
	}
	for _, h := range seen {
		if h == "BeforeDeserialization" {
			t.Errorf("Expected BeforeDeserialization to be skipped, saw %v", seen)
		}
	}
}

func TestAfterHookErrorsAreCollected(t *testing.T) {
	rec := &hookRecorder{name: "rec", fail: map[string]error{"AfterAttempt": errors.New("after failed")}}
	sc := orkestratest.NewScriptedClient(orkestratest.ServiceError(400, "ValidationException", "bad key"))
	client := newTestClient(t, sc, orkestra.WithInterceptor(rec.interceptor()))

	_, err := getHello(context.Background(), client)
	var sdkErr *orkestra.SdkError
	if !errors.As(err, &sdkErr) {
		t.Fatalf("Expected *SdkError, got %v", err)
	}
	if sdkErr.InterceptorErrors == nil || !strings.Contains(sdkErr.InterceptorErrors.Error(), "after failed") {
		t.Errorf("Expected after hook error to be collected, got %v", sdkErr.InterceptorErrors)
	}
	if sdkErr.Kind != orkestra.KindService {
		t.Errorf("Expected the service error to stay primary, got %v", sdkErr.Kind)
	}
}

func TestDisabledInterceptorIsSuppressed(t *testing.T) {
	rec := &hookRecorder{name: "rec"}
	sc := orkestratest.NewScriptedClient(orkestratest.Status(200, "hello"))
	client := newTestClient(t, sc, orkestra.WithInterceptor(rec.interceptor()))

	_, err := getHello(context.Background(), client,
		orkestra.DisableInterceptor("rec", "test"),
		orkestra.DisableInterceptor(orkestra.InterceptorUserAgent, "test"),
	)
	if err != nil {
		t.Fatalf("Invoke() returned error: %v", err)
	}
	if seen := rec.seen(); len(seen) != 0 {
		t.Errorf("Expected no hooks from a disabled interceptor, saw %v", seen)
	}
	if ua := sc.Requests()[0].Header.Get("User-Agent"); ua != "" {
		t.Errorf("Expected no User-Agent, got %q", ua)
	}
}

func TestServiceErrorIsNotRetried(t *testing.T) {
	reply := orkestratest.ServiceError(400, "ValidationException", "bad key").WithHeader("X-Amzn-Requestid", "req-123")
	sc := orkestratest.NewScriptedClient(reply)
	client := newTestClient(t, sc)

	_, err := getHello(context.Background(), client)
	var sdkErr *orkestra.SdkError
	if !errors.As(err, &sdkErr) {
		t.Fatalf("Expected *SdkError, got %v", err)
	}
	if sdkErr.Kind != orkestra.KindService {
		t.Errorf("Expected KindService, got %v", sdkErr.Kind)
	}
	if sdkErr.Message != "ValidationException" {
		t.Errorf("Expected message 'ValidationException', got %q", sdkErr.Message)
	}
	if sdkErr.StatusCode != 400 || sdkErr.RequestID != "req-123" {
		t.Errorf("Expected status 400 and request id req-123, got %d and %q", sdkErr.StatusCode, sdkErr.RequestID)
	}
	if sdkErr.Service != "storage" || sdkErr.Operation != "GetObject" {
		t.Errorf("Expected storage.GetObject, got %s.%s", sdkErr.Service, sdkErr.Operation)
	}
	var se *orkestra.GenericServiceError
	if !errors.As(err, &se) || se.ErrorMessage() != "bad key" {
		t.Errorf("Expected modeled error with message 'bad key', got %v", err)
	}
	if sc.Calls() != 1 {
		t.Errorf("Expected 1 call, got %d", sc.Calls())
	}
}

func TestMaxAttemptsExhausted(t *testing.T) {
	sc := orkestratest.Repeating(orkestratest.Status(503, ""))
	client := newTestClient(t, sc, orkestra.WithMaxAttempts(3))

	_, err := getHello(context.Background(), client)
	var sdkErr *orkestra.SdkError
	if !errors.As(err, &sdkErr) {
		t.Fatalf("Expected *SdkError, got %v", err)
	}
	if sdkErr.Attempts != 3 || sdkErr.MaxAttempts != 3 {
		t.Errorf("Expected attempt 3/3, got %d/%d", sdkErr.Attempts, sdkErr.MaxAttempts)
	}
	if len(sdkErr.Previous) != 2 {
		t.Errorf("Expected 2 previous errors, got %d", len(sdkErr.Previous))
	}
	if sc.Calls() != 3 {
		t.Errorf("Expected 3 calls, got %d", sc.Calls())
	}
}

func TestThrottlingIsRetried(t *testing.T) {
	sc := orkestratest.NewScriptedClient(
		orkestratest.ServiceError(400, "ThrottlingException", "slow down"),
		orkestratest.Status(200, "hello"),
	)
	client := newTestClient(t, sc)

	if _, err := getHello(context.Background(), client); err != nil {
		t.Fatalf("Invoke() returned error: %v", err)
	}
	if sc.Calls() != 2 {
		t.Errorf("Expected 2 calls, got %d", sc.Calls())
	}
}

func TestTransportErrorIsRetried(t *testing.T) {
	sc := orkestratest.NewScriptedClient(orkestratest.IOError(), orkestratest.Status(200, "hello"))
	client := newTestClient(t, sc)

	if _, err := getHello(context.Background(), client); err != nil {
		t.Fatalf("Invoke() returned error: %v", err)
	}
	if got, want := client.TokenBucket().Available(), orkestra.DefaultRetryCapacity-orkestra.DefaultTimeoutCost+1; got != want {
		t.Errorf("Expected %d tokens, got %d", want, got)
	}
}

func TestAttemptTimeoutIsRetried(t *testing.T) {
	sc := orkestratest.NewScriptedClient(orkestratest.Hang(), orkestratest.Status(200, "hello"))
	client := newTestClient(t, sc, orkestra.WithAttemptTimeout(50*time.Millisecond))

	var firstErr error
	record := &orkestra.InterceptorFuncs{
		InterceptorName: "record",
		OnAfterAttempt: func(ictx *orkestra.InterceptorContext, _ *orkestra.RuntimeComponents, _ *configbag.Bag) error {
			if r, err := ictx.OutputOrError(); err == nil && ictx.Attempt() == 1 {
				firstErr = r.Err
			}
			return nil
		},
	}
	if _, err := getHello(context.Background(), client, orkestra.AddInterceptors(record)); err != nil {
		t.Fatalf("Invoke() returned error: %v", err)
	}
	if !errors.Is(firstErr, orkestra.ErrAttemptTimeout) {
		t.Errorf("Expected first attempt to time out, got %v", firstErr)
	}
	if sc.Calls() != 2 {
		t.Errorf("Expected 2 calls, got %d", sc.Calls())
	}
}

func TestCancellationSkipsAfterExecution(t *testing.T) {
	rec := &hookRecorder{name: "rec"}
	sc := orkestratest.NewScriptedClient(orkestratest.Hang())
	client := newTestClient(t, sc, orkestra.WithInterceptor(rec.interceptor()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := getHello(ctx, client)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if !orkestra.IsKind(err, orkestra.KindDispatch) {
		t.Errorf("Expected dispatch error, got %v", err)
	}
	for _, h := range rec.seen() {
		if h == "AfterExecution" {
			t.Error("Expected AfterExecution to be skipped on cancellation")
		}
	}
	if sc.Calls() != 1 {
		t.Errorf("Expected 1 call, got %d", sc.Calls())
	}
}

func TestNonReplayableBodyIsNotRetried(t *testing.T) {
	transport := orkestra.HTTPClientFunc(func(ctx context.Context, req *orkestra.HTTPRequest) (*orkestra.HTTPResponse, error) {
		if _, err := body.ReadAll(req.Body); err != nil {
			return nil, err
		}
		return &orkestra.HTTPResponse{StatusCode: 500, Header: http.Header{}, Body: body.Empty()}, nil
	})
	client := newTestClient(t, transport)

	in := &putObjectInput{Bucket: "b", Key: "k", Body: body.FromReader(strings.NewReader("payload"), 7)}
	_, err := client.Invoke(context.Background(), putObject, in)
	var sdkErr *orkestra.SdkError
	if !errors.As(err, &sdkErr) {
		t.Fatalf("Expected *SdkError, got %v", err)
	}
	if sdkErr.Attempts != 1 {
		t.Errorf("Expected 1 attempt for a consumed stream, got %d", sdkErr.Attempts)
	}
}

func TestConstructionErrorIsTerminal(t *testing.T) {
	sc := orkestratest.Repeating(orkestratest.Status(200, "hello"))
	client := orkestra.New(
		orkestra.WithHTTPClient(sc),
		orkestra.WithRegion("test-1"),
		orkestra.WithCredentials("AKID", "secret", ""),
	)

	_, err := getHello(context.Background(), client)
	if !orkestra.IsKind(err, orkestra.KindConstruction) {
		t.Fatalf("Expected construction error without an endpoint, got %v", err)
	}
	if !errors.Is(err, endpoint.ErrNoEndpoint) {
		t.Errorf("Expected ErrNoEndpoint in chain, got %v", err)
	}
	if sc.Calls() != 0 {
		t.Errorf("Expected no calls, got %d", sc.Calls())
	}
}

type streamOutput struct {
	Body body.Body `http:"payload"`
}

func TestStreamingResponseIsHandedOff(t *testing.T) {
	streamOp := restjson.NewOperation[streamOutput](orkestra.OperationMetadata{Service: "storage", Operation: "Download"},
		restjson.Route{Method: http.MethodGet, Path: "/{bucket}/{key}"})
	if !streamOp.Metadata.Flags.Has(orkestra.FlagStreamingResponse) {
		t.Fatal("Expected a body.Body payload to mark the operation streaming")
	}
	sc := orkestratest.NewScriptedClient(orkestratest.Status(200, "streamed content"))
	client := newTestClient(t, sc, orkestra.WithOperationTimeout(time.Second))

	out, err := orkestra.InvokeAs[*streamOutput](context.Background(), client, streamOp, &getObjectInput{Bucket: "b", Key: "k"})
	if err != nil {
		t.Fatalf("Invoke() returned error: %v", err)
	}
	defer out.Body.Close()
	data, err := body.ReadAll(out.Body)
	if err != nil {
		t.Fatalf("ReadAll() returned error: %v", err)
	}
	if string(data) != "streamed content" {
		t.Errorf("Expected 'streamed content', got '%s'", data)
	}
}

// newTrickleServer writes "first," at once, then "second" after delay. A
// delay of zero holds the response open until the client goes away.
func newTrickleServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "first,")
		w.(http.Flusher).Flush()
		if delay <= 0 {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		select {
		case <-time.After(delay):
			io.WriteString(w, "second")
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestStreamingBodyOutlivesAttemptTimeout(t *testing.T) {
	streamOp := restjson.NewOperation[streamOutput](orkestra.OperationMetadata{Service: "storage", Operation: "Download"},
		restjson.Route{Method: http.MethodGet, Path: "/{bucket}/{key}"})
	server := newTrickleServer(t, 300*time.Millisecond)
	client := newTestClient(t, orkestra.NewHTTPClient(orkestra.TransportConfig{}),
		orkestra.WithEndpoint(server.URL),
		orkestra.WithAttemptTimeout(100*time.Millisecond),
		orkestra.WithMaxAttempts(1),
	)

	out, err := orkestra.InvokeAs[*streamOutput](context.Background(), client, streamOp, &getObjectInput{Bucket: "b", Key: "k"})
	if err != nil {
		t.Fatalf("Invoke() returned error: %v", err)
	}
	defer out.Body.Close()
	data, err := body.ReadAll(out.Body)
	if err != nil {
		t.Fatalf("ReadAll() returned error: %v", err)
	}
	if string(data) != "first,second" {
		t.Errorf("Expected 'first,second', got '%s'", data)
	}
}

func TestStreamingBodyFollowsCallerCancellation(t *testing.T) {
	streamOp := restjson.NewOperation[streamOutput](orkestra.OperationMetadata{Service: "storage", Operation: "Download"},
		restjson.Route{Method: http.MethodGet, Path: "/{bucket}/{key}"})
	server := newTrickleServer(t, 0)
	client := newTestClient(t, orkestra.NewHTTPClient(orkestra.TransportConfig{}),
		orkestra.WithEndpoint(server.URL),
		orkestra.WithAttemptTimeout(time.Second),
		orkestra.WithMaxAttempts(1),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, err := orkestra.InvokeAs[*streamOutput](ctx, client, streamOp, &getObjectInput{Bucket: "b", Key: "k"})
	if err != nil {
		t.Fatalf("Invoke() returned error: %v", err)
	}
	defer out.Body.Close()
	if chunk, err := out.Body.NextChunk(); err != nil || len(chunk) == 0 {
		t.Fatalf("Expected a first chunk, got %q, %v", chunk, err)
	}

	cancel()
	if _, err := body.ReadAll(out.Body); err == nil {
		t.Error("Expected reading after cancellation to fail")
	}
}

func TestRequestCompression(t *testing.T) {
	type uploadInput struct {
		Data string `http:"payload"`
	}
	uploadOp := restjson.NewOperation[putObjectOutput](orkestra.OperationMetadata{
		Service: "storage", Operation: "Upload", Flags: orkestra.FlagRequestCompression,
	}, restjson.Route{Method: http.MethodPost, Path: "/upload"})

	sc := orkestratest.Repeating(orkestratest.Status(200, ""))
	client := newTestClient(t, sc, orkestra.WithRequestCompression(orkestra.RequestCompressionConfig{MinSize: 16}))

	payload := strings.Repeat("compress me please ", 100)
	if _, err := client.Invoke(context.Background(), uploadOp, &uploadInput{Data: payload}); err != nil {
		t.Fatalf("Invoke() returned error: %v", err)
	}
	req := sc.Requests()[0]
	if req.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("Expected gzip Content-Encoding, got %q", req.Header.Get("Content-Encoding"))
	}
	if len(req.Body) == 0 || len(req.Body) >= len(payload) {
		t.Errorf("Expected a compressed body smaller than %d bytes, got %d", len(payload), len(req.Body))
	}
	if got := req.Header.Get("Content-Length"); got == "" {
		t.Error("Expected Content-Length of the compressed body")
	}

	// small bodies go out as is
	if _, err := client.Invoke(context.Background(), uploadOp, &uploadInput{Data: "tiny"}); err != nil {
		t.Fatalf("Invoke() returned error: %v", err)
	}
	if enc := sc.Requests()[1].Header.Get("Content-Encoding"); enc != "" {
		t.Errorf("Expected no Content-Encoding for a small body, got %q", enc)
	}
}
