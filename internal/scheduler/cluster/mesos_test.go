package cluster

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/scheduler/resources"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

type fakeMaster struct {
	mu        sync.Mutex
	events    []string
	calls     []mesosCall
	streamIDs []string
	status    int
}

func (f *fakeMaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var call mesosCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if call.Type == "SUBSCRIBE" {
		w.Header().Set(mesosStreamHeader, "stream-1")
		w.WriteHeader(http.StatusOK)
		for _, e := range f.events {
			_, _ = fmt.Fprintf(w, "%d\n%s", len(e), e)
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.streamIDs = append(f.streamIDs, r.Header.Get(mesosStreamHeader))
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (f *fakeMaster) setStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeMaster) lastCall() (mesosCall, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1], f.streamIDs[len(f.streamIDs)-1]
}

func TestMesosAdapter(t *testing.T) {
	master := &fakeMaster{events: []string{
		`{"type":"SUBSCRIBED","subscribed":{"framework_id":{"value":"fw-1"},"heartbeat_interval_seconds":15}}`,
		`{"type":"OFFERS","offers":{"offers":[{"id":{"value":"o1"},"agent_id":{"value":"a1"},"hostname":"host-1",` +
			`"resources":[{"name":"cpus","type":"SCALAR","scalar":{"value":4}},{"name":"mem","type":"SCALAR","scalar":{"value":8192}},` +
			`{"name":"ports","type":"RANGES"}]}]}}`,
		`{"type":"UPDATE","update":{"status":{"task_id":{"value":"exe_main_1"},"agent_id":{"value":"a1"},"state":"TASK_FAILED",` +
			`"reason":"REASON_COMMAND_EXECUTOR_FAILED","timestamp":1646136000.5,"uuid":"dXVpZA=="}}}`,
		`{"type":"HEARTBEAT"}`,
		`{"type":"FAILURE","failure":{"agent_id":{"value":"a2"}}}`,
		`{"type":"RESCIND","rescind":{"offer_id":{"value":"o1"}}}`,
	}}
	server := httptest.NewServer(master)
	defer server.Close()

	ctx, cancel := scalecontext.WithCancel(scalecontext.Background())
	defer cancel()
	adapter := NewMesosAdapter(MesosOptions{Master: server.URL, User: "root", Name: "scale", RefuseSeconds: 5}, clock.RealClock{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, adapter.Run(ctx))
	}()

	nextOffer := func() OfferEvent {
		select {
		case e := <-adapter.Offers():
			return e
		case <-time.After(5 * time.Second):
			require.FailNow(t, "timed out waiting for offer event")
			return OfferEvent{}
		}
	}
	offer := nextOffer().Offer
	require.NotNil(t, offer)
	assert.Equal(t, "o1", offer.ID)
	assert.Equal(t, "a1", offer.AgentID)
	assert.Equal(t, "host-1", offer.Hostname)
	assert.True(t, resources.New(map[string]float64{resources.CPUs: 4, resources.Mem: 8192}).Equal(offer.Resources))

	select {
	case u := <-adapter.Updates():
		assert.Equal(t, "exe_main_1", u.TaskID)
		assert.Equal(t, schedulerobjects.TaskFailed, u.State)
		assert.Equal(t, "a1", u.AgentID)
		assert.Equal(t, "dXVpZA==", u.AckID)
		assert.Equal(t, time.Unix(1646136000, 500000000).UTC(), u.Timestamp)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for update")
	}
	assert.Equal(t, "a2", nextOffer().RemovedAgentID)
	assert.Equal(t, "o1", nextOffer().RescindID)

	task := &schedulerobjects.Task{
		ID:        "exe_main_1",
		Type:      schedulerobjects.TaskMain,
		Image:     "scale/parse:1.0",
		Command:   "parse in out",
		Env:       map[string]string{"B": "2", "A": "1"},
		Resources: resources.New(map[string]float64{resources.Mem: 512, resources.CPUs: 1}),
	}
	require.NoError(t, adapter.Launch(ctx, "a1", []*schedulerobjects.Task{task}, []string{"o1"}))
	call, streamID := master.lastCall()
	assert.Equal(t, "stream-1", streamID)
	assert.Equal(t, "ACCEPT", call.Type)
	assert.Equal(t, "fw-1", call.FrameworkID.Value)
	require.NotNil(t, call.Accept)
	assert.Equal(t, []mesosValue{{Value: "o1"}}, call.Accept.OfferIDs)
	info := call.Accept.Operations[0].Launch.TaskInfos[0]
	assert.Equal(t, "a1", info.AgentID.Value)
	assert.Equal(t, "parse in out", info.Command.Value)
	assert.Equal(t, []mesosVariable{{Name: "A", Value: "1"}, {Name: "B", Value: "2"}}, info.Command.Environment.Variables)
	assert.Equal(t, "cpus", info.Resources[0].Name)
	assert.Equal(t, "scale/parse:1.0", info.Container.Docker.Image)

	require.NoError(t, adapter.Acknowledge(ctx, &schedulerobjects.TaskUpdate{TaskID: "exe_main_1", AgentID: "a1", AckID: "dXVpZA=="}))
	call, _ = master.lastCall()
	assert.Equal(t, "ACKNOWLEDGE", call.Type)
	assert.Equal(t, "dXVpZA==", call.Acknowledge.UUID)

	master.setStatus(http.StatusServiceUnavailable)
	err := adapter.Kill(ctx, TaskRef{TaskID: "exe_main_1", AgentID: "a1"})
	assert.True(t, IsUnavailable(err))

	master.setStatus(http.StatusBadRequest)
	err = adapter.Decline(ctx, []string{"o2"}, "expired")
	assert.Error(t, err)
	assert.False(t, IsUnavailable(err))

	cancel()
	<-done
}

func TestMesosAdapter_CallBeforeSubscribe(t *testing.T) {
	adapter := NewMesosAdapter(MesosOptions{Master: "http://127.0.0.1:1"}, clock.RealClock{})
	err := adapter.Reconcile(scalecontext.Background(), nil)
	assert.True(t, IsUnavailable(err))
}

func TestUpdateFromMesos_States(t *testing.T) {
	tests := map[string]schedulerobjects.TaskState{
		"TASK_STARTING":    schedulerobjects.TaskStaging,
		"TASK_RUNNING":     schedulerobjects.TaskRunning,
		"TASK_FINISHED":    schedulerobjects.TaskFinished,
		"TASK_ERROR":       schedulerobjects.TaskFailed,
		"TASK_KILLED":      schedulerobjects.TaskKilled,
		"TASK_UNREACHABLE": schedulerobjects.TaskLost,
		"TASK_NEW_STATE":   schedulerobjects.TaskLost,
	}
	for state, expected := range tests {
		t.Run(state, func(t *testing.T) {
			u := updateFromMesos(&mesosTaskStatus{TaskID: mesosValue{Value: "t"}, State: state})
			assert.Equal(t, expected, u.State)
		})
	}
}
