package lobby

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/energizer-project/lobbyhub/internal/beacon"
	"github.com/energizer-project/lobbyhub/internal/events"
	"github.com/energizer-project/lobbyhub/internal/protocol"
	"github.com/energizer-project/lobbyhub/internal/util"
)

var (
	ErrMatchNotFound        = errors.New("match not found")
	ErrNotWaiting           = errors.New("match is not waiting for players")
	ErrLaunchCapReached     = errors.New("instance limit reached")
	ErrSpawnFailed          = errors.New("failed to spawn instance")
	ErrNoInstanceConnection = errors.New("match has no instance connection")
)

// Config holds the orchestrator's tunables.
type Config struct {
	HubPort            int
	InstanceExecutable string
	WorkDir            string
	ExtraArgs          []string
	InstanceBasePort   int
	// InstanceHost is the address players use to reach spawned instances.
	InstanceHost string
	// MaxInstances caps hub-spawned processes, including ones being reaped.
	// Zero means unlimited.
	MaxInstances         int
	LaunchBudget         time.Duration
	EmptyMatchTimeout    time.Duration
	RankTolerance        int32
	DefaultMaxPlayers    int
	DefaultMaxSpectators int
	// ShutdownGrace is how long a connected instance has to return its
	// players after ForceShutdown before the hub stops it. Zero stops
	// instances at once.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the stock orchestrator settings.
func DefaultConfig() Config {
	return Config{
		HubPort:              7787,
		InstanceBasePort:     7800,
		InstanceHost:         "127.0.0.1",
		MaxInstances:         8,
		LaunchBudget:         600 * time.Second,
		EmptyMatchTimeout:    5 * time.Minute,
		RankTolerance:        400,
		DefaultMaxPlayers:    10,
		DefaultMaxSpectators: 2,
		ShutdownGrace:        5 * time.Second,
	}
}

// Notifier delivers short text notices to players.
type Notifier interface {
	NotifyPlayer(playerID, text string)
}

// Deps are the orchestrator's collaborators. Nil Now means time.Now.
type Deps struct {
	Spawner Spawner
	Bus     *events.EventBus
	Now     func() time.Time
}

type reapEntry struct {
	match      *MatchInfo
	instanceID uint32
	handle     ProcessHandle
	attempts   int
}

// Orchestrator owns every live match. It is not safe for concurrent use;
// callers run it on the control loop.
type Orchestrator struct {
	cfg      Config
	spawner  Spawner
	bus      *events.EventBus
	now      func() time.Time
	notifier Notifier
	logger   zerolog.Logger

	matches        map[uuid.UUID]*MatchInfo
	byInstance     map[uint32]*MatchInfo
	reaping        []*reapEntry
	nextInstanceID uint32

	hubGUID    string
	hubBans    map[string]bool
	accessKeys map[string]bool
}

// New creates an orchestrator with no matches.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.LaunchBudget <= 0 {
		cfg.LaunchBudget = 600 * time.Second
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		cfg:        cfg,
		spawner:    deps.Spawner,
		bus:        deps.Bus,
		now:        now,
		logger:     util.ComponentLogger("orchestrator"),
		matches:    make(map[uuid.UUID]*MatchInfo),
		byInstance: make(map[uint32]*MatchInfo),
		hubGUID:    uuid.NewString(),
		hubBans:    make(map[string]bool),
		accessKeys: make(map[string]bool),
	}
}

// SetNotifier installs the player notice channel.
func (o *Orchestrator) SetNotifier(n Notifier) { o.notifier = n }

// HubGUID identifies this hub to dedicated instances.
func (o *Orchestrator) HubGUID() string { return o.hubGUID }

// Config returns the active settings.
func (o *Orchestrator) Config() Config { return o.cfg }

// ---- Hub-wide lists ----

// SetHubBans replaces the hub ban list.
func (o *Orchestrator) SetHubBans(ids []string) {
	o.hubBans = make(map[string]bool, len(ids))
	for _, id := range ids {
		o.hubBans[id] = true
	}
}

// BanPlayer adds a hub ban.
func (o *Orchestrator) BanPlayer(id string) { o.hubBans[id] = true }

// UnbanPlayer lifts a hub ban.
func (o *Orchestrator) UnbanPlayer(id string) { delete(o.hubBans, id) }

// IsHubBanned reports whether id is banned hub-wide.
func (o *Orchestrator) IsHubBanned(id string) bool { return o.hubBans[id] }

// HubBans returns the hub ban list in a stable order.
func (o *Orchestrator) HubBans() []string {
	ids := make([]string, 0, len(o.hubBans))
	for id := range o.hubBans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetAccessKeys replaces the dedicated-instance keys.
func (o *Orchestrator) SetAccessKeys(keys []string) {
	o.accessKeys = make(map[string]bool, len(keys))
	for _, k := range keys {
		o.AddAccessKey(k)
	}
}

// AddAccessKey accepts one more dedicated-instance key.
func (o *Orchestrator) AddAccessKey(key string) {
	if key != "" {
		o.accessKeys[key] = true
	}
}

// ---- Queries ----

// Matches returns the live set ordered by creation time.
func (o *Orchestrator) Matches() []*MatchInfo {
	out := make([]*MatchInfo, 0, len(o.matches))
	for _, m := range o.matches {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].MatchID.String() < out[j].MatchID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Match looks up a live match.
func (o *Orchestrator) Match(id uuid.UUID) (*MatchInfo, bool) {
	m, ok := o.matches[id]
	return m, ok
}

// MatchByInstance looks up the live match holding an instance id.
func (o *Orchestrator) MatchByInstance(id uint32) (*MatchInfo, bool) {
	m, ok := o.byInstance[id]
	return m, ok
}

// ReapingCount is the number of processes waiting to be reaped.
func (o *Orchestrator) ReapingCount() int { return len(o.reaping) }

// spawnedCount counts processes the hub is responsible for.
func (o *Orchestrator) spawnedCount() int {
	n := len(o.reaping)
	for _, m := range o.matches {
		if m.Process != nil {
			n++
		}
	}
	return n
}

// CanLaunch reports whether another instance may be spawned.
func (o *Orchestrator) CanLaunch() bool {
	return o.cfg.MaxInstances <= 0 || o.spawnedCount() < o.cfg.MaxInstances
}

// ---- Lifecycle ----

// HostMatch creates a match waiting for players with owner on its roster.
func (o *Orchestrator) HostMatch(owner string, opts MatchOptions) *MatchInfo {
	if opts.MaxPlayers <= 0 {
		opts.MaxPlayers = o.cfg.DefaultMaxPlayers
	}
	if opts.MaxSpectators <= 0 {
		opts.MaxSpectators = o.cfg.DefaultMaxSpectators
	}
	m := newMatch(owner, opts, o.now())
	o.matches[m.MatchID] = m

	o.logger.Info().
		Str("match_id", m.MatchID.String()).
		Str("owner", owner).
		Str("game_mode", m.GameMode).
		Str("map", m.MapName).
		Msg("match created")
	o.emit(events.EventMatchCreated, m, owner, "")
	return m
}

func (o *Orchestrator) instanceIDInUse(id uint32) bool {
	if _, ok := o.byInstance[id]; ok {
		return true
	}
	for _, r := range o.reaping {
		if r.instanceID == id {
			return true
		}
	}
	return false
}

// allocateInstanceID returns the next free non-zero id. Ids stay reserved
// until their process has been reaped.
func (o *Orchestrator) allocateInstanceID() uint32 {
	for {
		o.nextInstanceID++
		if o.nextInstanceID == 0 {
			continue
		}
		if !o.instanceIDInUse(o.nextInstanceID) {
			return o.nextInstanceID
		}
	}
}

func (o *Orchestrator) commandLine() CommandLine {
	return CommandLine{
		HubPort:          o.cfg.HubPort,
		InstanceBasePort: o.cfg.InstanceBasePort,
		ExtraArgs:        o.cfg.ExtraArgs,
		Now:              o.now(),
	}
}

// LaunchMatch spawns the instance for a waiting match. On failure the match
// is left waiting and requester, if any, is told to try again.
func (o *Orchestrator) LaunchMatch(m *MatchInfo, requester string) error {
	if m == nil || o.matches[m.MatchID] != m {
		return ErrMatchNotFound
	}
	if m.CurrentState != StateWaitingForPlayers {
		return ErrNotWaiting
	}
	if !o.CanLaunch() {
		o.notify(requester, MsgLaunchFailed)
		o.emit(events.EventLaunchFailed, m, requester, ErrLaunchCapReached.Error())
		return ErrLaunchCapReached
	}

	id := o.allocateInstanceID()
	m.GameInstanceID = id
	cl := o.commandLine()
	spec := LaunchSpec{
		Executable: o.cfg.InstanceExecutable,
		Args:       BuildCommandLine(m, cl),
		WorkDir:    o.cfg.WorkDir,
		InstanceID: id,
	}

	handle, err := o.spawner.Spawn(spec)
	if err != nil {
		m.GameInstanceID = 0
		o.logger.Error().
			Err(err).
			Str("match_id", m.MatchID.String()).
			Uint32("instance_id", id).
			Msg("instance launch failed")
		o.notify(requester, MsgLaunchFailed)
		o.emit(events.EventLaunchFailed, m, requester, err.Error())
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	m.Process = handle
	m.CurrentState = StateLaunching
	m.InstanceLaunchTime = o.now()
	m.InstanceAddress = net.JoinHostPort(o.cfg.InstanceHost, strconv.Itoa(cl.InstancePort(id)))
	m.requester = requester
	o.byInstance[id] = m

	o.logger.Info().
		Str("match_id", m.MatchID.String()).
		Uint32("instance_id", id).
		Int("pid", handle.PID()).
		Msg("instance launched")
	o.emit(events.EventMatchLaunched, m, requester, "")
	return nil
}

// InstanceReady moves a launching match in progress. Later calls are no-ops.
func (o *Orchestrator) InstanceReady(id uint32, guid, mapName string) *MatchInfo {
	m, ok := o.byInstance[id]
	if !ok {
		o.logger.Warn().Uint32("instance_id", id).Msg("ready from unknown instance")
		return nil
	}
	if m.CurrentState != StateLaunching {
		return m
	}
	m.CurrentState = StateInProgress
	m.InstanceGUID = guid
	m.InitialMap = mapName
	if mapName != "" {
		m.MapName = mapName
	}
	o.logger.Info().
		Str("match_id", m.MatchID.String()).
		Uint32("instance_id", id).
		Str("map", mapName).
		Msg("instance ready")
	o.emit(events.EventMatchReady, m, "", "")
	return m
}

// BindInstanceEndpoint records e as the control connection of instance id.
// Only a launching instance without a connection can be claimed; once bound
// the connection cannot be replaced.
func (o *Orchestrator) BindInstanceEndpoint(id uint32, e *beacon.Endpoint) bool {
	m, ok := o.byInstance[id]
	if !ok {
		return false
	}
	if m.endpoint == e {
		return true
	}
	if m.CurrentState != StateLaunching || m.endpoint != nil {
		o.logger.Warn().
			Str("match_id", m.MatchID.String()).
			Uint32("instance_id", id).
			Str("state", m.CurrentState.String()).
			Str("remote", e.RemoteAddr()).
			Msg("refused control connection for claimed instance")
		return false
	}
	m.endpoint = e
	return true
}

func (o *Orchestrator) liveInstance(id uint32) (*MatchInfo, bool) {
	m, ok := o.byInstance[id]
	if !ok || !m.CurrentState.Live() {
		return nil, false
	}
	return m, true
}

// UpdateMatch stores an instance's latest match summary.
func (o *Orchestrator) UpdateMatch(id uint32, update protocol.MatchUpdate) {
	m, ok := o.liveInstance(id)
	if !ok {
		return
	}
	m.MatchUpdate = update
	if update.MapName != "" {
		m.MapName = update.MapName
	}
	o.emit(events.EventMatchUpdated, m, "", "")
}

// UpdatePlayer upserts one player of a running instance. The last update
// for a player removes them.
func (o *Orchestrator) UpdatePlayer(id uint32, player protocol.PlayerInfo, isLastUpdate bool) {
	m, ok := o.liveInstance(id)
	if !ok {
		return
	}
	if isLastUpdate {
		if !m.removeInstancePlayer(player.PlayerID) {
			return
		}
	} else {
		m.upsertInstancePlayer(remotePlayerFrom(player))
	}
	o.emit(events.EventPlayerUpdated, m, player.PlayerID, "")
}

// EndGame records a finished game. The instance may keep running.
func (o *Orchestrator) EndGame(id uint32, update protocol.MatchUpdate) {
	m, ok := o.liveInstance(id)
	if !ok {
		return
	}
	m.MatchUpdate = update
	m.GamesPlayed++
	o.emit(events.EventGameEnded, m, "", "")
}

// InstanceEmpty recycles the match of an instance that has no players left.
func (o *Orchestrator) InstanceEmpty(id uint32) {
	m, ok := o.liveInstance(id)
	if !ok {
		return
	}
	o.recycle(m, "instance empty", false)
}

// InstanceConnectionLost handles the drop of an instance's control
// connection. Only the bound endpoint counts.
func (o *Orchestrator) InstanceConnectionLost(id uint32, e *beacon.Endpoint) {
	m, ok := o.byInstance[id]
	if !ok || m.endpoint != e {
		return
	}
	m.endpoint = nil
	if !m.CurrentState.Live() {
		return
	}
	o.logger.Warn().
		Str("match_id", m.MatchID.String()).
		Uint32("instance_id", id).
		Msg("instance connection lost")
	o.recycle(m, "instance connection lost", false)
}

// recycle stops m's instance. Without a process the match is removed at
// once, otherwise when the process has been reaped.
func (o *Orchestrator) recycle(m *MatchInfo, reason string, kill bool) {
	if m.CurrentState == StateRecycling || m.CurrentState == StateDead {
		return
	}
	m.CurrentState = StateRecycling

	o.logger.Info().
		Str("match_id", m.MatchID.String()).
		Uint32("instance_id", m.GameInstanceID).
		Str("reason", reason).
		Msg("recycling match")
	o.emit(events.EventMatchRecycled, m, "", reason)

	if m.Process == nil {
		o.finalize(m, reason)
		return
	}

	handle := m.Process
	m.Process = nil
	var err error
	if kill {
		err = handle.Kill()
	} else {
		err = handle.Terminate()
	}
	if err != nil {
		o.logger.Warn().Err(err).Int("pid", handle.PID()).Msg("failed to stop instance")
	}
	o.reaping = append(o.reaping, &reapEntry{match: m, instanceID: m.GameInstanceID, handle: handle})
}

// finalize removes m from the live set.
func (o *Orchestrator) finalize(m *MatchInfo, reason string) {
	if m.CurrentState == StateDead {
		return
	}
	m.CurrentState = StateDead
	delete(o.matches, m.MatchID)
	if o.byInstance[m.GameInstanceID] == m {
		delete(o.byInstance, m.GameInstanceID)
	}

	if ep := m.endpoint; ep != nil {
		m.endpoint = nil
		ep.Teardown("match removed")
	}

	o.logger.Info().
		Str("match_id", m.MatchID.String()).
		Str("reason", reason).
		Msg("match removed")
	o.emit(events.EventMatchRemoved, m, "", reason)
}

// RemoveMatch ends m now. Its process, if any, is reaped later and its
// instance id stays reserved until then. Removing twice is a no-op.
func (o *Orchestrator) RemoveMatch(m *MatchInfo, reason string) {
	if m == nil || m.CurrentState == StateDead {
		return
	}
	if reason == "" {
		reason = "removed"
	}
	o.recycle(m, reason, false)
	o.finalize(m, reason)
}

// CheckInstanceHealth recycles dead, stuck and abandoned matches, then
// polls the reap list. It never blocks.
func (o *Orchestrator) CheckInstanceHealth() {
	now := o.now()
	for _, m := range o.Matches() {
		switch m.CurrentState {
		case StateInProgress:
			switch {
			case m.Process != nil && !m.Process.Running():
				o.recycle(m, "instance exited", false)
			case !m.drainDeadline.IsZero() && now.After(m.drainDeadline):
				o.recycle(m, "shutdown grace expired", false)
			}
		case StateLaunching:
			switch {
			case m.Process != nil && !m.Process.Running():
				o.notify(m.requester, MsgLaunchFailed)
				o.recycle(m, "instance exited during launch", false)
			case now.Sub(m.InstanceLaunchTime) > o.cfg.LaunchBudget:
				o.notify(m.requester, MsgLaunchFailed)
				o.recycle(m, "launch budget exceeded", true)
			}
		case StateWaitingForPlayers:
			if len(m.Players) == 0 && o.cfg.EmptyMatchTimeout > 0 &&
				!m.emptySince.IsZero() && now.Sub(m.emptySince) > o.cfg.EmptyMatchTimeout {
				o.recycle(m, "abandoned", false)
			}
		}
	}
	o.drainReapList()
}

// drainReapList polls each pending process once. Processes that outlive
// one poll are killed; entries stay until an exit code is observed.
func (o *Orchestrator) drainReapList() {
	remaining := o.reaping[:0]
	for _, r := range o.reaping {
		code, exited := r.handle.TryExitCode()
		if !exited {
			r.attempts++
			if r.attempts >= 2 {
				r.handle.Kill()
			}
			remaining = append(remaining, r)
			continue
		}

		o.logger.Info().
			Uint32("instance_id", r.instanceID).
			Int("pid", r.handle.PID()).
			Int("exit_code", code).
			Msg("instance reaped")
		if o.bus != nil {
			o.bus.Emit(context.Background(), events.Event{
				Type:   events.EventInstanceReaped,
				Source: "orchestrator",
				Payload: events.ReapPayload{
					MatchID:    r.match.MatchID.String(),
					InstanceID: r.instanceID,
					PID:        r.handle.PID(),
					ExitCode:   code,
				},
			})
		}
		o.finalize(r.match, "instance exited")
	}
	for i := len(remaining); i < len(o.reaping); i++ {
		o.reaping[i] = nil
	}
	o.reaping = remaining
}

// Shutdown sends ForceShutdown to every running instance with an open
// control connection and gives it ShutdownGrace to return its players and
// report empty. Every other match is removed now. Draining matches left
// past their deadline are recycled by CheckInstanceHealth. Shutdown returns
// the number of matches still draining and may be called again.
func (o *Orchestrator) Shutdown() int {
	deadline := o.now().Add(o.cfg.ShutdownGrace)
	draining := 0
	for _, m := range o.Matches() {
		if o.cfg.ShutdownGrace > 0 && m.CurrentState == StateInProgress &&
			m.endpoint != nil && m.endpoint.State() == beacon.StateOpen {
			if m.drainDeadline.IsZero() {
				m.endpoint.Send(&protocol.ForceShutdown{})
				m.drainDeadline = deadline
				o.logger.Info().
					Str("match_id", m.MatchID.String()).
					Uint32("instance_id", m.GameInstanceID).
					Msg("waiting for instance to return players")
			}
			draining++
			continue
		}
		if m.CurrentState != StateRecycling {
			o.RemoveMatch(m, "hub shutdown")
		}
	}
	return draining
}

// RemoveAll removes every match at once, without waiting for instances.
func (o *Orchestrator) RemoveAll(reason string) {
	for _, m := range o.Matches() {
		o.RemoveMatch(m, reason)
	}
}

// ---- Joining ----

// JoinRequest is a player's request to enter a match.
type JoinRequest struct {
	PlayerID   string
	PlayerName string
	Rank       int32
	Spectator  bool
	// AdminOverride bypasses the ban check only. It is set by trusted
	// callers such as the admin API, never from a player's request.
	AdminOverride bool
}

// JoinResult tells an accepted player where to go. Direct means connect to
// Address now; otherwise the player waits in the lobby roster.
type JoinResult struct {
	MatchID string
	Address string
	Direct  bool
}

// JoinMatch applies the join gates in order and admits the player.
// Refusals are *Rejection errors.
func (o *Orchestrator) JoinMatch(m *MatchInfo, req JoinRequest) (JoinResult, error) {
	reject := func(r RejectReason) (JoinResult, error) {
		matchID := ""
		if m != nil {
			matchID = m.MatchID.String()
		}
		o.logger.Debug().
			Str("match_id", matchID).
			Str("player", req.PlayerID).
			Str("reason", r.Message()).
			Msg("join rejected")
		return JoinResult{}, &Rejection{Reason: r, MatchID: matchID}
	}

	if m == nil || o.matches[m.MatchID] != m ||
		m.CurrentState == StateRecycling || m.CurrentState == StateDead {
		return reject(RejectMatchGone)
	}
	if !req.AdminOverride && (m.IsBanned(req.PlayerID) || o.hubBans[req.PlayerID]) {
		return reject(RejectBanned)
	}
	if m.Private && !m.IsAllowed(req.PlayerID) {
		return reject(RejectPrivate)
	}
	if !req.Spectator {
		switch m.SkillTest(req.Rank, o.cfg.RankTolerance) {
		case SkillTooHigh:
			return reject(RejectRankTooHigh)
		case SkillTooLow:
			return reject(RejectRankTooLow)
		}
	}

	result := JoinResult{MatchID: m.MatchID.String()}
	switch m.CurrentState {
	case StateLaunching:
		return reject(RejectStarting)
	case StateInProgress:
		if !m.JoinAnytime && !req.Spectator {
			return reject(RejectJoinInProgress)
		}
		if !m.MatchHasRoom(req.Spectator) {
			return reject(RejectFull)
		}
		result.Address = m.InstanceAddress
		result.Direct = true
	default:
		if !m.AddPlayer(req.PlayerID) {
			return reject(RejectFull)
		}
		m.emptySince = time.Time{}
	}

	o.logger.Info().
		Str("match_id", result.MatchID).
		Str("player", req.PlayerID).
		Bool("direct", result.Direct).
		Msg("player joined")
	o.emit(events.EventPlayerJoined, m, req.PlayerID, "")
	return result, nil
}

// LeaveMatch takes player off a waiting match's roster. Ownership passes
// to the longest-present remaining player.
func (o *Orchestrator) LeaveMatch(m *MatchInfo, player string) bool {
	if m == nil {
		return false
	}
	var ok bool
	m.Players, ok = remove(m.Players, player)
	if !ok {
		return false
	}
	if len(m.Players) == 0 {
		m.emptySince = o.now()
	} else if m.OwnerID == player {
		m.OwnerID = m.Players[0]
	}
	o.emit(events.EventPlayerLeft, m, player, "")
	return true
}

// ---- Dedicated instances ----

// AuthorizeDedicated registers a self-launched instance presenting a hub
// access key. Unknown keys are ignored. A key already in use replaces the
// match that holds it.
func (o *Orchestrator) AuthorizeDedicated(req *protocol.RequestDedicatedAuthorization, e *beacon.Endpoint) (*MatchInfo, bool) {
	if req.HubKey == "" || !o.accessKeys[req.HubKey] {
		o.logger.Warn().
			Str("remote", e.RemoteAddr()).
			Str("server", req.ServerName).
			Msg("dedicated authorization with unknown key ignored")
		return nil, false
	}

	for _, old := range o.Matches() {
		if old.Dedicated && old.HubKey == req.HubKey {
			if old.endpoint == e {
				old.endpoint = nil
			}
			o.RemoveMatch(old, "replaced by new dedicated instance")
		}
	}

	m := newMatch("", MatchOptions{
		GameMode:    req.GameMode,
		Description: req.Description,
		MaxPlayers:  int(req.MaxPlayers),
		JoinAnytime: req.JoinAnytime,
	}, o.now())
	m.emptySince = time.Time{}
	m.Dedicated = true
	m.HubKey = req.HubKey
	m.ServerName = req.ServerName
	m.InstanceGUID = req.InstanceGUID
	m.InstanceAddress = req.Address
	m.InstanceLaunchTime = o.now()
	m.CurrentState = StateInProgress
	m.GameInstanceID = o.allocateInstanceID()
	m.endpoint = e

	o.matches[m.MatchID] = m
	o.byInstance[m.GameInstanceID] = m

	o.logger.Info().
		Str("match_id", m.MatchID.String()).
		Uint32("instance_id", m.GameInstanceID).
		Str("server", m.ServerName).
		Str("remote", e.RemoteAddr()).
		Msg("dedicated instance authorized")
	o.emit(events.EventDedicatedAuthorized, m, "", "")
	return m, true
}

// ---- Relays to instances ----

func (o *Orchestrator) relay(m *MatchInfo, msg protocol.Message) error {
	if m == nil {
		return ErrMatchNotFound
	}
	if m.endpoint == nil || m.endpoint.State() != beacon.StateOpen {
		return ErrNoInstanceConnection
	}
	return m.endpoint.Send(msg)
}

// ForceShutdown tells m's instance to return its players and exit.
func (o *Orchestrator) ForceShutdown(m *MatchInfo) error {
	return o.relay(m, &protocol.ForceShutdown{})
}

// Kick removes a player from m's instance and bars them from rejoining.
func (o *Orchestrator) Kick(m *MatchInfo, playerID string) error {
	if err := o.relay(m, &protocol.Kick{TargetID: playerID}); err != nil {
		return err
	}
	if !m.IsBanned(playerID) {
		m.Banned = append(m.Banned, playerID)
	}
	return nil
}

// Rcon forwards an admin console command.
func (o *Orchestrator) Rcon(m *MatchInfo, adminID, command string) error {
	return o.relay(m, &protocol.ReceiveRconMessage{TargetID: adminID, Text: command})
}

// AuthorizeAdmin grants or revokes in-game admin rights.
func (o *Orchestrator) AuthorizeAdmin(m *MatchInfo, adminID string, isAdmin bool) error {
	return o.relay(m, &protocol.AuthorizeAdmin{AdminID: adminID, IsAdmin: isAdmin})
}

// SendUserMessage delivers a chat line to one player, or to all when
// target is empty.
func (o *Orchestrator) SendUserMessage(m *MatchInfo, target, text string) error {
	return o.relay(m, &protocol.ReceiveUserMessage{TargetID: target, Text: text})
}

// ---- helpers ----

// NotifyPlayer passes text to the installed Notifier.
func (o *Orchestrator) NotifyPlayer(playerID, text string) {
	o.notify(playerID, text)
}

func (o *Orchestrator) notify(playerID, text string) {
	if playerID == "" || o.notifier == nil {
		return
	}
	o.notifier.NotifyPlayer(playerID, text)
}

func (o *Orchestrator) emit(t events.EventType, m *MatchInfo, playerID, reason string) {
	if o.bus == nil {
		return
	}
	o.bus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "orchestrator",
		Payload: PayloadOf(m, playerID, reason),
	})
}

// PayloadOf summarises m for the event bus.
func PayloadOf(m *MatchInfo, playerID, reason string) events.MatchPayload {
	return events.MatchPayload{
		MatchID:     m.MatchID.String(),
		InstanceID:  m.GameInstanceID,
		State:       m.CurrentState.String(),
		OwnerID:     m.OwnerID,
		GameMode:    m.GameMode,
		MapName:     m.MapName,
		Players:     m.PlayerCount(),
		Dedicated:   m.Dedicated,
		PlayerID:    playerID,
		Reason:      reason,
		CreatedAt:   m.CreatedAt,
		LaunchedAt:  m.InstanceLaunchTime,
		GamesPlayed: m.GamesPlayed,
	}
}
