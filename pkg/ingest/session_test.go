package ingest

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const threeProducts = "sku,targetImageName,ref,name\n" +
	"A1,Alpha Box,1001,Alpha\n" +
	"A2,beta-box,1002,Beta\n" +
	"A3,gamma-box,1003,Gamma\n"

func threeAssets(t *testing.T) []AssetInput {
	return []AssetInput{
		jpegAsset(t, "1001.jpg", 40, 20),
		pngAsset(t, "1002_front.png", 20, 40),
		jpegAsset(t, "x-1003.jpg", 30, 30),
	}
}

type recorder struct {
	mu       sync.Mutex
	states   []State
	issues   []Issue
	outcomes []UploadOutcome
	progress map[Stage]int
}

func newRecorder() *recorder { return &recorder{progress: map[Stage]int{}} }

func (r *recorder) OnState(st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *recorder) OnProgress(stage Stage, done, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[stage] = done
}

func (r *recorder) OnIssue(is Issue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issues = append(r.issues, is)
}

func (r *recorder) OnItemOutcome(o UploadOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func runSession(t *testing.T, cfg Config, manifest string, assets []AssetInput, opts ...Option) *Result {
	t.Helper()
	s, err := NewSession(cfg, opts...)
	require.NoError(t, err)
	res, err := s.Run(context.Background(), strings.NewReader(manifest), assets)
	require.NoError(t, err)
	return res
}

func TestSessionHappyPath(t *testing.T) {
	sink := newScriptedSink(nil)
	rec := newRecorder()
	res := runSession(t, testConfig(), threeProducts, threeAssets(t), WithSink(sink), WithObserver(rec), WithID("s-1"))

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, "s-1", res.SessionID)
	assert.Equal(t, ExitOK, res.ExitCode())
	assert.True(t, res.ProfessionalMode)
	assert.Equal(t, Aggregate{OK: 3}, res.Aggregate)
	assert.Equal(t, []State{StateParsing, StateValidating, StateProcessing, StateUploading, StateDone}, rec.states)
	assert.Equal(t, 3, rec.progress[StageProcessing])
	assert.Equal(t, 3, rec.progress[StageUpload])
	assert.Len(t, rec.outcomes, 3)

	assert.Equal(t, []string{"alpha-box.jpg", "beta-box.jpg", "gamma-box.jpg"}, sink.Calls())
	assert.Equal(t, []string{"alpha-box.jpg", "beta-box.png", "gamma-box.jpg"},
		[]string{res.Renamed[0].TargetFilename, res.Renamed[1].TargetFilename, res.Renamed[2].TargetFilename})
	for _, pa := range res.Processed {
		assert.Equal(t, 64, pa.Width)
		assert.Equal(t, pa.Data, sink.sent[pa.UploadName])
	}
	assert.Equal(t, 3, res.Report.Upload.Metadata["ok"])
}

func TestSessionValidationFailureStopsBeforeProcessing(t *testing.T) {
	sink := newScriptedSink(nil)
	rec := newRecorder()
	res := runSession(t, testConfig(), "sku,targetImageName,ref\nS,nine,999\n",
		[]AssetInput{jpegAsset(t, "888_abc.jpg", 10, 10)}, WithSink(sink), WithObserver(rec))

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, ExitValidation, res.ExitCode())
	assert.Empty(t, res.Processed)
	assert.Empty(t, sink.Calls())
	assert.Equal(t, []State{StateParsing, StateValidating, StateFailed}, rec.states)
	assert.ElementsMatch(t, []Kind{KindNoMatch, KindOrphanAsset}, kinds(rec.issues))
}

func TestSessionUnreadableManifestFails(t *testing.T) {
	s, err := NewSession(testConfig(), WithSink(newScriptedSink(nil)))
	require.NoError(t, err)
	res, err := s.Run(context.Background(), failingReader{}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Error, "manifest unreadable")
	assert.True(t, res.Report.HasKind(KindManifestUnreadable))
}

func TestSessionRunsOnce(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true
	s, err := NewSession(cfg)
	require.NoError(t, err)
	_, err = s.Run(context.Background(), strings.NewReader(threeProducts), threeAssets(t))
	require.NoError(t, err)
	_, err = s.Run(context.Background(), strings.NewReader(threeProducts), threeAssets(t))
	assert.ErrorIs(t, err, ErrSessionRunning)
	assert.Equal(t, StateDone, s.State())
}

func TestNewSessionRequiresSinkOrDryRun(t *testing.T) {
	_, err := NewSession(testConfig())
	assert.ErrorIs(t, err, ErrNoSink)

	bad := testConfig()
	bad.Quality = 0
	_, err = NewSession(bad, WithSink(newScriptedSink(nil)))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSessionDryRunProcessesWithoutUpload(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true
	rec := newRecorder()
	res := runSession(t, cfg, threeProducts, threeAssets(t), WithObserver(rec))

	assert.Equal(t, StateDone, res.State)
	assert.Len(t, res.Processed, 3)
	assert.Empty(t, res.Outcomes)
	assert.NotContains(t, rec.states, StateUploading)
	assert.Equal(t, true, res.Report.Upload.Metadata["dryRun"])
}

func TestSessionProcessingFailureDegradesOnly(t *testing.T) {
	assets := threeAssets(t)
	assets[1] = blob("1002_front.png", "image/png", 100)
	sink := newScriptedSink(nil)
	res := runSession(t, testConfig(), threeProducts, assets, WithSink(sink))

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, ExitProcessing, res.ExitCode())
	assert.Equal(t, 1, res.ProcessingFailures)
	assert.Equal(t, Aggregate{OK: 2}, res.Aggregate)
	require.Len(t, res.Report.Processing.Errors, 1)
	assert.Equal(t, "1002_front.png", res.Report.Processing.Errors[0].AssetOriginalName)
	assert.Equal(t, []string{"alpha-box.jpg", "gamma-box.jpg"}, sink.Calls())
}

func TestSessionUploadFailureExitCode(t *testing.T) {
	sink := newScriptedSink(map[string][]int{"beta-box.jpg": {400}})
	res := runSession(t, testConfig(), threeProducts, threeAssets(t), WithSink(sink))
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, ExitUpload, res.ExitCode())
	assert.Equal(t, Aggregate{OK: 2, PermanentFailed: 1}, res.Aggregate)
	assert.True(t, res.Report.HasKind(KindTransportPermanent))
}

func TestScenarioSessionRetryAndCancel(t *testing.T) {
	sink := newScriptedSink(map[string][]int{"beta-box.jpg": {503}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := newRecorder()
	s, err := NewSession(testConfig(), WithSink(sink), WithObserver(MultiObserver(rec, ObserverFuncs{
		ItemOutcome: func(o UploadOutcome) {
			if o.Index == 1 {
				cancel()
			}
		},
	})))
	require.NoError(t, err)

	res, err := s.Run(ctx, strings.NewReader(threeProducts), threeAssets(t))
	require.NoError(t, err)

	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, ExitCancelled, res.ExitCode())
	assert.Equal(t, Aggregate{OK: 2, PermanentFailed: 1}, res.Aggregate)
	assert.Equal(t, KindCancelled, res.Outcomes[2].Kind)
	assert.Equal(t, []string{"alpha-box.jpg", "beta-box.jpg", "beta-box.jpg"}, sink.Calls())
	assert.Equal(t, StateCancelled, rec.states[len(rec.states)-1])
}

func TestSessionCancelledBeforeProcessing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewSession(testConfig(), WithSink(newScriptedSink(nil)), WithObserver(ObserverFuncs{
		State: func(st State) {
			if st == StateValidating {
				cancel()
			}
		},
	}))
	require.NoError(t, err)
	res, err := s.Run(ctx, strings.NewReader(threeProducts), threeAssets(t))
	require.NoError(t, err)

	assert.Equal(t, StateCancelled, res.State)
	assert.Empty(t, res.Processed)
	assert.Equal(t, Aggregate{PermanentFailed: 3}, res.Aggregate)
	for _, o := range res.Outcomes {
		assert.Equal(t, KindCancelled, o.Kind)
	}
}

func TestValidatorStableUnderPermutation(t *testing.T) {
	manifest := "sku,image name,ref\nA,alpha,12\nB,beta,34\nC,gamma,56\nD,,78\n"
	assets := []AssetInput{
		blob("12-34.jpg", "image/jpeg", 10),
		blob("34.jpg", "image/jpeg", 10),
		blob("12_b.png", "image/png", 10),
		blob("orphan.gif", "image/gif", 10),
		blob("dup.jpg", "image/jpeg", 10),
		blob("dup.jpg", "image/jpeg", 99),
		blob("notes.txt", "text/plain", 10),
		blob("empty.bmp", "image/bmp", 0),
	}
	base := preview(t, manifest, assets)
	baseJSON, err := json.Marshal(base.Report)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 25; i++ {
		shuffled := append([]AssetInput(nil), assets...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		p := preview(t, manifest, shuffled)
		got, err := json.Marshal(p.Report)
		require.NoError(t, err)
		require.JSONEq(t, string(baseJSON), string(got))
		require.Equal(t, base.Renamed, p.Renamed)
	}
}

func TestPipelineIsIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true
	first := runSession(t, cfg, threeProducts, threeAssets(t))
	second := runSession(t, cfg, threeProducts, threeAssets(t))

	require.Len(t, second.Processed, len(first.Processed))
	for i := range first.Processed {
		assert.Equal(t, first.Processed[i].Data, second.Processed[i].Data)
		assert.Equal(t, first.Processed[i].Digest, second.Processed[i].Digest)
	}
	a, err := json.Marshal(first.Report)
	require.NoError(t, err)
	b, err := json.Marshal(second.Report)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestEventObserver(t *testing.T) {
	var events []Event
	obs := EventObserver("s-9", func(e Event) { events = append(events, e) })
	obs.OnState(StateParsing)
	obs.OnProgress(StageProcessing, 1, 2)
	obs.OnIssue(Issue{Stage: StageAssets, Kind: KindZeroByte})
	obs.OnItemOutcome(UploadOutcome{Index: 0, Status: StatusOK})

	require.Len(t, events, 4)
	assert.Equal(t, EventState, events[0].Type)
	assert.Equal(t, "s-9", events[0].SessionID)
	assert.Equal(t, 2, events[1].Total)
	assert.Equal(t, KindZeroByte, events[2].Issue.Kind)
	assert.Equal(t, StatusOK, events[3].Outcome.Status)
}
