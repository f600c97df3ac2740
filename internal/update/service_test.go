package update

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"packsync/internal/fetch"
	"packsync/internal/fsops"
	"packsync/internal/install"
	"packsync/internal/notify"
	"packsync/internal/provider"
	"packsync/internal/state"
)

var testTime = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

type fakeResolver struct {
	id  int
	err error
}

func (r *fakeResolver) LatestServerPackFileID(context.Context, int) (int, error) {
	return r.id, r.err
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []int
	err   error
}

func (f *fakeFetcher) Fetch(_ context.Context, fileID int) (*fetch.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fileID)
	if f.err != nil {
		return nil, f.err
	}
	return &fetch.Artifact{FileID: fileID, FileName: fmt.Sprintf("Pack-Server-%d.zip", fileID), Path: "/tmp/x.zip"}, nil
}

type fakeInstaller struct {
	err     error
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	calls   int
}

func (i *fakeInstaller) Install(context.Context, string) (*install.Report, error) {
	i.calls++
	if i.entered != nil {
		i.once.Do(func() { close(i.entered) })
		<-i.release
	}
	if i.err != nil {
		return nil, i.err
	}
	return &install.Report{Preserved: map[string][]string{install.DirMods: {"LuckPerms-custom.jar"}}}, nil
}

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (r *recorder) Notify(_ context.Context, m notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return r.err
}

func newService(r Resolver, f Fetcher, i Installer, n notify.Notifier) *Service {
	return NewService(Deps{ProjectID: 1, Resolver: r, Fetcher: f, Installer: i, Notifier: n})
}

func TestRun_InstallsAndRecordsState(t *testing.T) {
	f := &fakeFetcher{}
	in := &fakeInstaller{}
	rec := &recorder{}
	s := newService(&fakeResolver{id: 201}, f, in, rec)

	res, err := s.Run(context.Background(), Options{Trigger: "http"})
	require.NoError(t, err)
	require.Equal(t, state.OutcomeInstalled, res.Outcome)
	require.Equal(t, 201, res.FileID)
	require.Equal(t, "Pack-Server-201.zip", res.FileName)
	require.NotEmpty(t, res.RunID)

	snap := s.State().Snapshot()
	require.NotNil(t, snap.Installed)
	require.Equal(t, 201, snap.Installed.FileID)
	require.Equal(t, state.OutcomeInstalled, snap.LastRun.Outcome)
	require.Equal(t, "http", snap.LastRun.Trigger)

	require.Len(t, rec.msgs, 1)
	require.Equal(t, notify.LevelInfo, rec.msgs[0].Level)
	require.Contains(t, rec.msgs[0].Body, "Pack-Server-201.zip")
	require.Contains(t, rec.msgs[0].Body, "Kept 1 mods")
}

func TestRun_SkipsWhenAlreadyInstalled(t *testing.T) {
	f := &fakeFetcher{}
	in := &fakeInstaller{}
	s := newService(&fakeResolver{id: 201}, f, in, nil)

	_, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)

	res, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, state.OutcomeUpToDate, res.Outcome)
	require.Equal(t, "Pack-Server-201.zip", res.FileName)
	require.Equal(t, []int{201}, f.calls)
	require.Equal(t, 1, in.calls)
}

func TestRun_ForceReinstalls(t *testing.T) {
	f := &fakeFetcher{}
	in := &fakeInstaller{}
	s := newService(&fakeResolver{id: 201}, f, in, nil)

	for i := 0; i < 2; i++ {
		res, err := s.Run(context.Background(), Options{Force: true})
		require.NoError(t, err)
		require.Equal(t, state.OutcomeInstalled, res.Outcome)
	}
	require.Equal(t, []int{201, 201}, f.calls)
	require.Equal(t, 2, in.calls)
}

func TestRun_NewerPackReplacesInstalled(t *testing.T) {
	r := &fakeResolver{id: 100}
	s := newService(r, &fakeFetcher{}, &fakeInstaller{}, nil)
	_, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)

	r.id = 201
	res, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, state.OutcomeInstalled, res.Outcome)
	require.Equal(t, 201, s.State().InstalledFileID())
}

func TestRun_ConcurrentCallIsBusy(t *testing.T) {
	in := &fakeInstaller{entered: make(chan struct{}), release: make(chan struct{})}
	s := newService(&fakeResolver{id: 7}, &fakeFetcher{}, in, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), Options{})
		done <- err
	}()
	<-in.entered

	res, err := s.Run(context.Background(), Options{})
	require.ErrorIs(t, err, ErrBusy)
	require.Nil(t, res)
	require.Equal(t, KindBusy, Classify(err))

	close(in.release)
	require.NoError(t, <-done)

	// The lock is free again once the first run returns.
	_, err = s.Run(context.Background(), Options{Force: true})
	require.NoError(t, err)
}

func TestRun_FailureKeepsInstalledAndNotifies(t *testing.T) {
	cases := []struct {
		name string
		r    *fakeResolver
		f    *fakeFetcher
		in   *fakeInstaller
		kind Kind
	}{
		{
			name: "upstream",
			r:    &fakeResolver{err: &provider.UpstreamError{Op: "list files", Status: 503}},
			f:    &fakeFetcher{},
			in:   &fakeInstaller{},
			kind: KindUpstream,
		},
		{
			name: "integrity",
			r:    &fakeResolver{id: 9},
			f:    &fakeFetcher{err: &fetch.IntegrityError{Path: "9.zip", Algorithm: "sha1", Expected: "aa", Got: "bb"}},
			in:   &fakeInstaller{},
			kind: KindIntegrity,
		},
		{
			name: "filesystem",
			r:    &fakeResolver{id: 9},
			f:    &fakeFetcher{},
			in:   &fakeInstaller{err: fsops.Wrap("rename", "/srv/mods", errors.New("permission denied"))},
			kind: KindFilesystem,
		},
		{
			name: "internal",
			r:    &fakeResolver{id: 9},
			f:    &fakeFetcher{},
			in:   &fakeInstaller{err: errors.New("zip: not a valid zip file")},
			kind: KindInternal,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			st := state.NewMemory()
			require.NoError(t, st.FinishRun("run-0", 3, state.OutcomeInstalled, nil, &state.Installed{FileID: 3}, testTime))

			s := NewService(Deps{ProjectID: 1, Resolver: tc.r, Fetcher: tc.f, Installer: tc.in, State: st, Notifier: rec})
			res, err := s.Run(context.Background(), Options{})
			require.Error(t, err)
			require.Equal(t, tc.kind, Classify(err))
			require.Equal(t, state.OutcomeFailed, res.Outcome)

			snap := st.Snapshot()
			require.Equal(t, 3, snap.Installed.FileID)
			require.Equal(t, state.OutcomeFailed, snap.LastRun.Outcome)
			require.NotEmpty(t, snap.LastRun.Error)

			require.Len(t, rec.msgs, 1)
			require.Equal(t, notify.LevelError, rec.msgs[0].Level)
			require.Contains(t, rec.msgs[0].Body, string(tc.kind))
		})
	}
}

func TestRun_NotifierErrorDoesNotFailRun(t *testing.T) {
	rec := &recorder{err: errors.New("webhook down")}
	s := newService(&fakeResolver{id: 5}, &fakeFetcher{}, &fakeInstaller{}, rec)
	_, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, rec.msgs, 1)
}

func TestRun_NotifiesEvenWhenContextCanceled(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newService(&fakeResolver{err: fmt.Errorf("list files: %w", context.Canceled)}, &fakeFetcher{}, &fakeInstaller{}, rec)

	_, err := s.Run(ctx, Options{})
	require.Equal(t, KindCanceled, Classify(err))
	require.Len(t, rec.msgs, 1)
}

func TestRun_DeadlineDuringResolveIsCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	pc := provider.NewClient(srv.URL, "k")
	s := newService(pc, &fakeFetcher{}, &fakeInstaller{}, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := s.Run(ctx, Options{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorIs(t, err, provider.ErrUpstream)
	require.Equal(t, KindCanceled, Classify(err))
	require.Equal(t, state.OutcomeFailed, res.Outcome)
	require.Len(t, rec.msgs, 1)
	require.Contains(t, rec.msgs[0].Body, string(KindCanceled))
}

func TestClassify(t *testing.T) {
	require.Equal(t, KindNone, Classify(nil))
	require.Equal(t, KindBusy, Classify(fmt.Errorf("serve: %w", ErrBusy)))
	require.Equal(t, KindUpstream, Classify(fmt.Errorf("resolve: %w", &provider.UpstreamError{Op: "get file", Err: errors.New("dial tcp: refused")})))
	require.Equal(t, KindIntegrity, Classify(&fetch.IntegrityError{Reason: "no digest published"}))
	require.Equal(t, KindFilesystem, Classify(fsops.Wrap("mkdir", "/srv", errors.New("read-only file system"))))
	require.Equal(t, KindCanceled, Classify(context.DeadlineExceeded))
	require.Equal(t, KindCanceled, Classify(&provider.UpstreamError{Op: "download", Err: fmt.Errorf("read body: %w", context.Canceled)}))
	require.Equal(t, KindInternal, Classify(errors.New("boom")))
}
