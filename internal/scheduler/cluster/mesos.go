package cluster

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/logging"
	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/util"
	"github.com/ngageoint/scale/internal/scheduler/offers"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

const (
	mesosSchedulerPath = "/api/v1/scheduler"
	mesosStreamHeader  = "Mesos-Stream-Id"
	// The stream is dropped after this many heartbeat intervals without an event.
	missedHeartbeats = 3
)

type MesosOptions struct {
	// Master is the base URL of the Mesos master, e.g. http://mesos-master:5050.
	Master          string
	User            string
	Name            string
	Role            string
	FailoverTimeout time.Duration
	// RefuseSeconds is how long declined resources are withheld from the framework.
	RefuseSeconds  float64
	RequestTimeout time.Duration
}

// MesosAdapter drives a Mesos master through the v1 scheduler HTTP API: a long-lived SUBSCRIBE stream of
// RecordIO-framed JSON events, and one POST per call.
type MesosAdapter struct {
	opts        MesosOptions
	clock       clock.Clock
	streamHttp  *http.Client
	callHttp    *http.Client
	offers      chan OfferEvent
	updates     chan *schedulerobjects.TaskUpdate
	reconnect   util.Backoff
	mu          sync.Mutex
	frameworkID string
	streamID    string
}

func NewMesosAdapter(opts MesosOptions, clock clock.Clock) *MesosAdapter {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &MesosAdapter{
		opts:       opts,
		clock:      clock,
		streamHttp: &http.Client{},
		callHttp:   &http.Client{Timeout: opts.RequestTimeout},
		offers:     make(chan OfferEvent, 1000),
		updates:    make(chan *schedulerobjects.TaskUpdate, 1000),
		reconnect:  util.Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.2},
	}
}

func (m *MesosAdapter) Offers() <-chan OfferEvent {
	return m.offers
}

func (m *MesosAdapter) Updates() <-chan *schedulerobjects.TaskUpdate {
	return m.updates
}

// PartialAccept is false: Mesos re-offers whatever an ACCEPT leaves unused.
func (m *MesosAdapter) PartialAccept() bool {
	return false
}

// Run subscribes to the master and reconnects with backoff until ctx is cancelled.
func (m *MesosAdapter) Run(ctx *scalecontext.Context) error {
	ctx = scalecontext.WithService(ctx, "MesosAdapter")
	failures := 0
	for {
		subscribed, err := m.subscribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			failures = 0
		}
		failures++
		delay := m.reconnect.Delay(failures)
		logging.WithStacktrace(ctx.Log, err).Warnf("mesos subscription ended; reconnecting in %s", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(delay):
		}
	}
}

func (m *MesosAdapter) subscribe(ctx *scalecontext.Context) (bool, error) {
	m.mu.Lock()
	info := mesosFrameworkInfo{
		User:            m.opts.User,
		Name:            m.opts.Name,
		Role:            m.opts.Role,
		FailoverTimeout: m.opts.FailoverTimeout.Seconds(),
		Checkpoint:      true,
	}
	if m.frameworkID != "" {
		info.ID = &mesosValue{Value: m.frameworkID}
	}
	m.mu.Unlock()
	body, err := json.Marshal(mesosCall{Type: "SUBSCRIBE", FrameworkID: info.ID, Subscribe: &mesosSubscribe{FrameworkInfo: info}})
	if err != nil {
		return false, errors.WithStack(err)
	}

	streamCtx, cancel := scalecontext.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, m.opts.Master+mesosSchedulerPath, bytes.NewReader(body))
	if err != nil {
		return false, errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := m.streamHttp.Do(req)
	if err != nil {
		return false, errors.WithStack(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, responseError(resp)
	}
	m.mu.Lock()
	m.streamID = resp.Header.Get(mesosStreamHeader)
	m.mu.Unlock()

	events := make(chan struct{}, 1)
	heartbeat := make(chan time.Duration, 1)
	go m.watchdog(streamCtx, cancel, events, heartbeat)

	subscribed := false
	reader := newRecordReader(resp.Body)
	for {
		record, err := reader.Next()
		if err != nil {
			return subscribed, err
		}
		select {
		case events <- struct{}{}:
		default:
		}
		var event mesosEvent
		if err := json.Unmarshal(record, &event); err != nil {
			return subscribed, errors.Wrap(err, "decoding mesos event")
		}
		if event.Type == "SUBSCRIBED" && event.Subscribed != nil {
			subscribed = true
			m.mu.Lock()
			m.frameworkID = event.Subscribed.FrameworkID.Value
			m.mu.Unlock()
			interval := time.Duration(event.Subscribed.HeartbeatIntervalSeconds * float64(time.Second))
			ctx.Log.Infof("subscribed to mesos as framework %s (heartbeat %s)", event.Subscribed.FrameworkID.Value, interval)
			if interval > 0 {
				select {
				case heartbeat <- interval:
				default:
				}
			}
			continue
		}
		if err := m.handleEvent(streamCtx, &event); err != nil {
			return subscribed, err
		}
	}
}

// watchdog cancels the stream when no event arrives for missedHeartbeats heartbeat intervals.
func (m *MesosAdapter) watchdog(ctx *scalecontext.Context, cancel func(), events <-chan struct{}, heartbeat <-chan time.Duration) {
	var interval time.Duration
	select {
	case interval = <-heartbeat:
	case <-ctx.Done():
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-events:
		case <-m.clock.After(missedHeartbeats * interval):
			ctx.Log.Warnf("no mesos heartbeat for %s; dropping stream", missedHeartbeats*interval)
			cancel()
			return
		}
	}
}

func (m *MesosAdapter) handleEvent(ctx *scalecontext.Context, event *mesosEvent) error {
	switch event.Type {
	case "OFFERS":
		if event.Offers == nil {
			return nil
		}
		now := m.clock.Now()
		for _, o := range event.Offers.Offers {
			if err := m.sendOffer(ctx, OfferEvent{Offer: offerFromMesos(o, now)}); err != nil {
				return err
			}
		}
	case "RESCIND":
		if event.Rescind != nil {
			return m.sendOffer(ctx, OfferEvent{RescindID: event.Rescind.OfferID.Value})
		}
	case "UPDATE":
		if event.Update != nil {
			select {
			case m.updates <- updateFromMesos(&event.Update.Status):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	case "FAILURE":
		// An agent failure without an executor means the agent is gone.
		if f := event.Failure; f != nil && f.AgentID != nil && f.ExecutorID == nil {
			return m.sendOffer(ctx, OfferEvent{RemovedAgentID: f.AgentID.Value})
		}
	case "ERROR":
		message := ""
		if event.Error != nil {
			message = event.Error.Message
		}
		return errors.Errorf("mesos master reported an error: %s", message)
	}
	return nil
}

func (m *MesosAdapter) sendOffer(ctx *scalecontext.Context, event OfferEvent) error {
	select {
	case m.offers <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func offerFromMesos(o mesosOffer, now time.Time) *offers.Offer {
	values := map[string]float64{}
	for _, r := range o.Resources {
		if r.Type == "SCALAR" && r.Scalar != nil {
			values[r.Name] += r.Scalar.Value
		}
	}
	offer := &offers.Offer{
		ID:         o.ID.Value,
		AgentID:    o.AgentID.Value,
		Hostname:   o.Hostname,
		Resources:  values,
		ReceivedAt: now,
	}
	if o.URL != nil {
		offer.Port = o.URL.Address.Port
	}
	return offer
}

var mesosStates = map[string]schedulerobjects.TaskState{
	"TASK_STAGING":          schedulerobjects.TaskStaging,
	"TASK_STARTING":         schedulerobjects.TaskStaging,
	"TASK_RUNNING":          schedulerobjects.TaskRunning,
	"TASK_KILLING":          schedulerobjects.TaskRunning,
	"TASK_FINISHED":         schedulerobjects.TaskFinished,
	"TASK_FAILED":           schedulerobjects.TaskFailed,
	"TASK_ERROR":            schedulerobjects.TaskFailed,
	"TASK_KILLED":           schedulerobjects.TaskKilled,
	"TASK_LOST":             schedulerobjects.TaskLost,
	"TASK_DROPPED":          schedulerobjects.TaskLost,
	"TASK_GONE":             schedulerobjects.TaskLost,
	"TASK_GONE_BY_OPERATOR": schedulerobjects.TaskLost,
	"TASK_UNREACHABLE":      schedulerobjects.TaskLost,
	"TASK_UNKNOWN":          schedulerobjects.TaskLost,
}

func updateFromMesos(s *mesosTaskStatus) *schedulerobjects.TaskUpdate {
	state, ok := mesosStates[s.State]
	if !ok {
		state = schedulerobjects.TaskLost
	}
	sec, frac := math.Modf(s.Timestamp)
	u := &schedulerobjects.TaskUpdate{
		TaskID:    s.TaskID.Value,
		State:     state,
		Timestamp: time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(),
		Reason:    s.Reason,
		Message:   s.Message,
		Source:    s.Source,
		AckID:     s.UUID,
	}
	if s.AgentID != nil {
		u.AgentID = s.AgentID.Value
	}
	// Tasks report their output paths as a JSON list in the status data.
	if len(s.Data) > 0 {
		var outputs []string
		if json.Unmarshal(s.Data, &outputs) == nil {
			u.Outputs = outputs
		}
	}
	return u
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := errors.Errorf("mesos master returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTemporaryRedirect {
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	return err
}

func (m *MesosAdapter) call(ctx *scalecontext.Context, call mesosCall) error {
	m.mu.Lock()
	frameworkID, streamID := m.frameworkID, m.streamID
	m.mu.Unlock()
	if frameworkID == "" {
		return errors.Wrap(ErrUnavailable, "not subscribed to mesos")
	}
	call.FrameworkID = &mesosValue{Value: frameworkID}
	body, err := json.Marshal(call)
	if err != nil {
		return errors.WithStack(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.opts.Master+mesosSchedulerPath, bytes.NewReader(body))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(mesosStreamHeader, streamID)
	resp, err := m.callHttp.Do(req)
	if err != nil {
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return nil
}

func mesosValues(ids []string) []mesosValue {
	values := make([]mesosValue, len(ids))
	for i, id := range ids {
		values[i] = mesosValue{Value: id}
	}
	return values
}

func (m *MesosAdapter) Decline(ctx *scalecontext.Context, offerIDs []string, _ string) error {
	if len(offerIDs) == 0 {
		return nil
	}
	return m.call(ctx, mesosCall{
		Type:    "DECLINE",
		Decline: &mesosDecline{OfferIDs: mesosValues(offerIDs), Filters: mesosFilters{RefuseSeconds: m.opts.RefuseSeconds}},
	})
}

func (m *MesosAdapter) Launch(ctx *scalecontext.Context, agentID string, tasks []*schedulerobjects.Task, offerIDs []string) error {
	infos := make([]mesosTaskInfo, len(tasks))
	for i, task := range tasks {
		infos[i] = taskInfo(agentID, task)
	}
	return m.call(ctx, mesosCall{
		Type: "ACCEPT",
		Accept: &mesosAccept{
			OfferIDs:   mesosValues(offerIDs),
			Operations: []mesosOperation{{Type: "LAUNCH", Launch: mesosLaunch{TaskInfos: infos}}},
			Filters:    mesosFilters{RefuseSeconds: m.opts.RefuseSeconds},
		},
	})
}

func taskInfo(agentID string, task *schedulerobjects.Task) mesosTaskInfo {
	names := task.Resources.Names()
	res := make([]mesosResource, 0, len(names))
	for _, name := range names {
		res = append(res, mesosResource{Name: name, Type: "SCALAR", Scalar: &mesosScalar{Value: task.Resources[name]}})
	}
	envNames := maps.Keys(task.Env)
	slices.Sort(envNames)
	env := &mesosEnvironment{Variables: make([]mesosVariable, len(envNames))}
	for i, name := range envNames {
		env.Variables[i] = mesosVariable{Name: name, Value: task.Env[name]}
	}
	info := mesosTaskInfo{
		Name:      task.ID,
		TaskID:    mesosValue{Value: task.ID},
		AgentID:   mesosValue{Value: agentID},
		Resources: res,
		Command:   mesosCommand{Value: task.Command, Shell: true, Environment: env},
	}
	if task.Image != "" && task.Type != schedulerobjects.TaskPull {
		info.Container = &mesosContainer{Type: "DOCKER", Docker: &mesosDocker{Image: task.Image}}
	}
	return info
}

func (m *MesosAdapter) Kill(ctx *scalecontext.Context, task TaskRef) error {
	kill := &mesosKill{TaskID: mesosValue{Value: task.TaskID}}
	if task.AgentID != "" {
		kill.AgentID = &mesosValue{Value: task.AgentID}
	}
	return m.call(ctx, mesosCall{Type: "KILL", Kill: kill})
}

// Reconcile with no tasks asks for the state of every task the master knows of.
func (m *MesosAdapter) Reconcile(ctx *scalecontext.Context, tasks []TaskRef) error {
	refs := make([]mesosTaskRef, len(tasks))
	for i, t := range tasks {
		refs[i] = mesosTaskRef{TaskID: mesosValue{Value: t.TaskID}}
		if t.AgentID != "" {
			refs[i].AgentID = &mesosValue{Value: t.AgentID}
		}
	}
	return m.call(ctx, mesosCall{Type: "RECONCILE", Reconcile: &mesosReconcile{Tasks: refs}})
}

func (m *MesosAdapter) Acknowledge(ctx *scalecontext.Context, update *schedulerobjects.TaskUpdate) error {
	if update.AckID == "" || update.AgentID == "" {
		return nil
	}
	return m.call(ctx, mesosCall{
		Type: "ACKNOWLEDGE",
		Acknowledge: &mesosAcknowledge{
			AgentID: mesosValue{Value: update.AgentID},
			TaskID:  mesosValue{Value: update.TaskID},
			UUID:    update.AckID,
		},
	})
}
