package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cvsouth/splitcore/circuit"
	"github.com/cvsouth/splitcore/config"
	"github.com/cvsouth/splitcore/descriptor"
	"github.com/cvsouth/splitcore/directory"
	"github.com/cvsouth/splitcore/link"
	"github.com/cvsouth/splitcore/onion"
	"github.com/cvsouth/splitcore/pathselect"
	"github.com/cvsouth/splitcore/socks"
	"github.com/cvsouth/splitcore/split"
	"github.com/cvsouth/splitcore/split/client"
	"github.com/cvsouth/splitcore/split/instruction"
	"github.com/cvsouth/splitcore/split/schedule"
	"github.com/cvsouth/splitcore/split/session"
	"github.com/cvsouth/splitcore/split/subcirc"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	opts, err := config.Parse(pflag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== Daphne Tor Client %s ===\n", Version)
	fmt.Println()

	cache := &directory.Cache{Dir: directory.DefaultCacheDir()}
	consensusText := loadOrFetchConsensus(cache)
	keyCerts := loadOrFetchKeyCerts(cache, logger)
	consensus := validateAndParseConsensus(consensusText, keyCerts, cache, logger)
	populateMicrodescriptors(consensus, cache, logger)

	fmt.Println("\nSelecting path and building circuit...")
	circ, circLink, path := buildInitialCircuit(consensus, logger)

	var splitSess *session.Session
	if opts.SplitSubcircuits > 1 {
		splitSess = launchSplitSession(consensus, circ, path, opts, logger)
	}

	runSOCKSProxy(consensus, circ, circLink, splitSess, logger)
}

// launchSplitSession sets up a split session rooted at circ and joins
// additional sub-circuits up to opts.SplitSubcircuits, reusing path's
// middle and exit relays as the shared merge point and final hop for
// every sub-circuit (spec §4.F/§4.G: a split session forks only past
// one shared middle). Entry relays are fingerprint-pinned from
// opts.SplitEntryNodes/SplitMiddleNodes/SplitExitNodes when the
// operator supplied them, falling back to ordinary path selection
// otherwise. Failures to join an individual sub-circuit are logged and
// skipped rather than aborting the whole run, since the session remains
// usable with fewer sub-circuits than requested; client.Finalise is
// called after every successful join so the session becomes usable as
// soon as enough sub-circuits have joined, even if later attempts fail.
func launchSplitSession(consensus *directory.Consensus, circ *circuit.Circuit, path *pathselect.Path, opts config.Options, logger *slog.Logger) *session.Session {
	sess := session.New(circ, opts.SplitStrategy, int(circuit.RelayPayloadLen), opts.SplitSubcircuits)
	sess.OnInstructionGenerated = func(dir session.Direction, ids []split.SubcircID) {
		announceSplitInstruction(sess, dir, ids, logger)
	}

	var cookie [split.SplitCookieLen]byte
	if _, err := rand.Read(cookie[:]); err != nil {
		logger.Warn("split: failed to generate session cookie", "error", err)
		return sess
	}
	sess.Cookie = cookie
	sess.CookieState = session.CookieValid

	if err := circ.SendRelay(circuit.RelaySplitSetCookie, 0, cookie[:]); err != nil {
		logger.Warn("split: failed to announce cookie on base circuit", "error", err)
		return sess
	}

	middleInfo := selectPinnedOrElse(consensus, opts.SplitMiddleNodes, 0, logger, func() (*directory.Relay, error) {
		return &path.Middle, nil
	})
	exitInfo := selectPinnedOrElse(consensus, opts.SplitExitNodes, 0, logger, func() (*directory.Relay, error) {
		return &path.Exit, nil
	})

	schedule.RunReceivePump(sess, sess.BaseEntry, logger)

	for i := 1; i < opts.SplitSubcircuits; i++ {
		entryRelay := selectPinnedOrElse(consensus, opts.SplitEntryNodes, i-1, logger, func() (*directory.Relay, error) {
			return pathselect.SelectGuard(consensus, &path.Exit)
		})
		if entryRelay == nil {
			logger.Warn("split: no entry relay available", "attempt", i)
			continue
		}

		e, err := client.LaunchSubcircuit(sess, entryRelay, middleInfo, client.Config{Logger: logger})
		if err != nil {
			logger.Warn("split: failed to launch sub-circuit", "attempt", i, "error", err)
			continue
		}

		if _, err := awaitSplitReply(e, circuit.RelaySplitCookieSet, logger); err != nil {
			logger.Warn("split: never received COOKIE_SET", "attempt", i, "error", err)
			sess.ClearPending()
			continue
		}
		if err := client.ProcessCookieSet(sess, e, exitInfo, client.Config{Logger: logger}); err != nil {
			logger.Warn("split: failed to process COOKIE_SET", "attempt", i, "error", err)
			sess.ClearPending()
			continue
		}

		joinedPayload, err := awaitSplitReply(e, circuit.RelaySplitJoined, logger)
		if err != nil {
			logger.Warn("split: never received JOINED", "attempt", i, "error", err)
			sess.ClearPending()
			continue
		}
		if err := client.ProcessJoined(sess, e, joinedPayload); err != nil {
			logger.Warn("split: failed to process JOINED", "attempt", i, "error", err)
			sess.ClearPending()
			continue
		}

		schedule.RunReceivePump(sess, e, logger)
		logger.Info("split: sub-circuit joined", "attempt", i, "id", e.ID)

		if err := client.Finalise(sess); err != nil {
			logger.Warn("split: finalise failed", "error", err)
		}
	}

	if !sess.IsFinal {
		logger.Warn("split: session did not reach the configured sub-circuit count", "joined", sess.Subcircs.Count(), "configured", sess.ConfiguredSubcircs)
	}

	return sess
}

// awaitSplitReply blocks on e's circuit for the next relay cell and
// validates it is wantCmd, mirroring the blocking ReceiveRelay pattern
// circuit.Extend uses to wait for EXTENDED2.
func awaitSplitReply(e *subcirc.Entry, wantCmd uint8, logger *slog.Logger) ([]byte, error) {
	_, relayCmd, _, data, err := e.Circuit.ReceiveRelay()
	if err != nil {
		return nil, fmt.Errorf("receive split reply: %w", err)
	}
	if relayCmd != wantCmd {
		return nil, fmt.Errorf("expected relay command %d, got %d", wantCmd, relayCmd)
	}
	return data, nil
}

// announceSplitInstruction encodes ids and sends them over the
// session's base circuit as SPLIT_INSTRUCTION (dir=In, the client's
// read schedule) or SPLIT_INFO (dir=Out, the client's write schedule)
// so the middle relay's schedule mirrors the client's; the client is
// the sole generator for both directions.
func announceSplitInstruction(sess *session.Session, dir session.Direction, ids []split.SubcircID, logger *slog.Logger) {
	payload, err := instruction.Encode(ids, sess.PayloadCap)
	if err != nil {
		logger.Warn("split: failed to encode instruction", "error", err)
		return
	}
	relayCmd := circuit.RelaySplitInstruction
	if dir == session.Out {
		relayCmd = circuit.RelaySplitInfo
	}
	if err := sess.Base.SendRelay(relayCmd, 0, payload); err != nil {
		logger.Warn("split: failed to send instruction", "relayCmd", relayCmd, "error", err)
	}
}

// selectPinnedOrElse resolves the (attempt)th fingerprint in pinned via
// pathselect.SelectByFingerprint when present, otherwise calls
// fallback. Returns nil if neither yields a usable relay.
func selectPinnedOrElse(consensus *directory.Consensus, pinned []string, attempt int, logger *slog.Logger, fallback func() (*directory.Relay, error)) *descriptor.RelayInfo {
	if attempt < len(pinned) {
		relay, err := pathselect.SelectByFingerprint(consensus, pinned[attempt])
		if err != nil {
			logger.Warn("split: pinned relay fingerprint not usable, falling back", "fingerprint", pinned[attempt], "error", err)
		} else {
			return relayInfoFromConsensus(relay)
		}
	}
	relay, err := fallback()
	if err != nil {
		logger.Warn("split: relay selection failed", "error", err)
		return nil
	}
	return relayInfoFromConsensus(relay)
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("tor-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

func loadOrFetchConsensus(cache *directory.Cache) string {
	if text, ok := cache.LoadConsensus(); ok {
		fmt.Println("Loaded consensus from cache")
		return text
	}
	fmt.Println("Fetching consensus from directory authorities...")
	text, err := directory.FetchConsensus()
	if err != nil {
		fmt.Printf("  Failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Fetched consensus (%d bytes)\n", len(text))
	return text
}

func loadOrFetchKeyCerts(cache *directory.Cache, logger *slog.Logger) []directory.KeyCert {
	keyCerts, err := cache.LoadKeyCerts()
	if err == nil && len(keyCerts) > 0 {
		fmt.Printf("Loaded %d authority key certificates from cache\n", len(keyCerts))
		return keyCerts
	}
	fmt.Println("Fetching authority key certificates...")
	keyCerts, err = directory.FetchKeyCerts()
	if err != nil {
		fmt.Printf("  Warning: failed to fetch key certificates: %v\n", err)
		fmt.Println("  Falling back to structural signature validation")
		return nil
	}
	fmt.Printf("  Fetched %d authority key certificates\n", len(keyCerts))
	if err := cache.SaveKeyCerts(keyCerts); err != nil {
		logger.Warn("failed to cache key certs", "error", err)
	}
	return keyCerts
}

func validateAndParseConsensus(text string, keyCerts []directory.KeyCert, cache *directory.Cache, logger *slog.Logger) *directory.Consensus {
	if err := directory.ValidateSignatures(text, keyCerts); err != nil {
		fmt.Printf("  Signature validation failed: %v\n", err)
		os.Exit(1)
	}
	if len(keyCerts) > 0 {
		fmt.Println("  Consensus cryptographically verified (≥5 RSA signatures)")
	} else {
		fmt.Println("  Consensus structurally validated (≥5 authority signatures)")
	}

	consensus, err := directory.ParseConsensus(text)
	if err != nil {
		fmt.Printf("  Parse failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Parsed: %d relays, valid until %s\n", len(consensus.Relays), consensus.ValidUntil.Format(time.RFC3339))

	if err := directory.ValidateFreshness(consensus); err != nil {
		fmt.Printf("  Consensus validation failed: %v\n", err)
		os.Exit(1)
	}
	if err := cache.SaveConsensus(text, consensus.FreshUntil, consensus.ValidUntil); err != nil {
		logger.Warn("failed to cache consensus", "error", err)
	}
	return consensus
}

func populateMicrodescriptors(consensus *directory.Consensus, cache *directory.Cache, logger *slog.Logger) {
	fmt.Println("Fetching microdescriptors...")
	var usefulRelays []directory.Relay
	for _, r := range consensus.Relays {
		if r.Flags.Running && r.Flags.Valid && (r.Flags.Guard || r.Flags.Exit || r.Flags.Fast || r.Flags.HSDir) {
			usefulRelays = append(usefulRelays, r)
		}
	}
	fmt.Printf("  %d relays with useful flags\n", len(usefulRelays))

	cachedCount := cache.LoadMicrodescriptors(usefulRelays)
	if cachedCount > 0 {
		fmt.Printf("  Loaded %d relays from microdescriptor cache\n", cachedCount)
	}

	fetchMissingMicrodescriptors(usefulRelays, logger)

	ntorCount := countNtorKeys(usefulRelays)
	fmt.Printf("  %d relays with ntor keys\n", ntorCount)

	if err := cache.SaveMicrodescriptors(usefulRelays); err != nil {
		logger.Warn("failed to cache microdescriptors", "error", err)
	}
	consensus.Relays = usefulRelays
}

func fetchMissingMicrodescriptors(relays []directory.Relay, logger *slog.Logger) {
	needFetch := 0
	for _, r := range relays {
		if !r.HasNtorKey {
			needFetch++
		}
	}
	if needFetch == 0 {
		return
	}
	fmt.Printf("  Fetching microdescriptors for %d relays...\n", needFetch)
	for _, addr := range directory.DirAuthorities {
		if directory.UpdateRelaysWithMicrodescriptors(addr, relays) == nil {
			break
		}
		logger.Warn("microdesc fetch failed", "addr", addr)
	}
}

func countNtorKeys(relays []directory.Relay) int {
	count := 0
	for _, r := range relays {
		if r.HasNtorKey {
			count++
		}
	}
	return count
}

func buildInitialCircuit(consensus *directory.Consensus, logger *slog.Logger) (*circuit.Circuit, *link.Link, *pathselect.Path) {
	for attempt := 0; attempt < 3; attempt++ {
		circ, l, path, err := tryBuildInitialCircuit(consensus, logger)
		if err != nil {
			fmt.Printf("  Attempt %d failed: %v\n", attempt, err)
			continue
		}
		fmt.Printf("  3-hop circuit built! (ID: 0x%08x)\n", circ.ID)
		return circ, l, path
	}
	fmt.Println("\nFailed to build circuit after 3 attempts.")
	os.Exit(1)
	return nil, nil, nil
}

func tryBuildInitialCircuit(consensus *directory.Consensus, logger *slog.Logger) (*circuit.Circuit, *link.Link, *pathselect.Path, error) {
	path, err := pathselect.SelectPath(consensus)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("path selection: %w", err)
	}
	fmt.Printf("  Path: %s → %s → %s\n", path.Guard.Nickname, path.Middle.Nickname, path.Exit.Nickname)

	l, err := link.Handshake(fmt.Sprintf("%s:%d", path.Guard.Address, path.Guard.ORPort), logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("guard connection: %w", err)
	}

	_ = l.SetDeadline(time.Now().Add(30 * time.Second))
	circ, err := circuit.Create(l, relayInfoFromConsensus(&path.Guard), logger)
	if err != nil {
		_ = l.Close()
		return nil, nil, nil, fmt.Errorf("circuit create: %w", err)
	}

	if err := circ.Extend(relayInfoFromConsensus(&path.Middle), logger); err != nil {
		_ = l.Close()
		return nil, nil, nil, fmt.Errorf("extend to middle: %w", err)
	}

	if err := circ.Extend(relayInfoFromConsensus(&path.Exit), logger); err != nil {
		_ = l.Close()
		return nil, nil, nil, fmt.Errorf("extend to exit: %w", err)
	}

	_ = l.SetDeadline(time.Time{})
	return circ, l, path, nil
}

func runSOCKSProxy(consensus *directory.Consensus, circ *circuit.Circuit, circLink *link.Link, splitSess *session.Session, logger *slog.Logger) {
	var mu sync.Mutex
	socksAddr := "127.0.0.1:9050"
	fmt.Printf("\nStarting SOCKS5 proxy on %s...\n", socksAddr)

	cb := &circuitBuilder{consensus: consensus, logger: logger}
	hsHTTPClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:    &tls.Config{InsecureSkipVerify: true},
			DisableCompression: true,
		},
	}

	srv := &socks.Server{
		Addr:   socksAddr,
		Logger: logger,
		GetCirc: func() (*circuit.Circuit, error) {
			mu.Lock()
			defer mu.Unlock()
			if circ == nil {
				return nil, fmt.Errorf("circuit destroyed")
			}
			return circ, nil
		},
		GetSession: func() (*session.Session, error) {
			mu.Lock()
			defer mu.Unlock()
			if splitSess == nil {
				return nil, fmt.Errorf("no split session configured")
			}
			return splitSess, nil
		},
		OnionHandler: func(onionAddr string, port uint16) (io.ReadWriteCloser, error) {
			return onion.ConnectOnionService(onionAddr, port, consensus, hsHTTPClient, cb, logger)
		},
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		_ = srv.Close()
		mu.Lock()
		_ = circ.Destroy()
		circ = nil
		mu.Unlock()
		_ = circLink.Close()
	}()

	fmt.Println("Ready. Use: curl --socks5-hostname 127.0.0.1:9050 http://example.com")
	if err := srv.ListenAndServe(); err != nil {
		fmt.Printf("SOCKS5 server error: %v\n", err)
	}
}

func relayInfoFromConsensus(relay *directory.Relay) *descriptor.RelayInfo {
	return &descriptor.RelayInfo{
		NodeID:       relay.Identity,
		NtorOnionKey: relay.NtorOnionKey,
		Address:      relay.Address,
		ORPort:       relay.ORPort,
	}
}

// circuitBuilder implements onion.CircuitBuilder.
type circuitBuilder struct {
	consensus *directory.Consensus
	logger    *slog.Logger
}

func (cb *circuitBuilder) BuildCircuit(target *descriptor.RelayInfo) (*onion.BuiltCircuit, error) {
	for attempt := 0; attempt < 3; attempt++ {
		built, err := cb.tryBuildCircuit(target)
		if err != nil {
			cb.logger.Warn("circuit build attempt failed", "attempt", attempt, "error", err)
			continue
		}
		return built, nil
	}
	return nil, fmt.Errorf("failed to build circuit after 3 attempts")
}

func (cb *circuitBuilder) tryBuildCircuit(target *descriptor.RelayInfo) (*onion.BuiltCircuit, error) {
	// Select path. If target is provided, use it as the last hop.
	var lastHopRelay *directory.Relay
	var guard, middle *directory.Relay

	if target != nil {
		// Find a relay in the consensus matching the target, or create a synthetic one.
		// For intro/rend points, we extend to them using their RelayInfo directly.
		// We still need guard and middle from path selection.
		// Use a dummy exit for path selection constraints, then replace it.
		exit, err := pathselect.SelectExit(cb.consensus)
		if err != nil {
			return nil, fmt.Errorf("select exit for path: %w", err)
		}
		g, err := pathselect.SelectGuard(cb.consensus, exit)
		if err != nil {
			return nil, fmt.Errorf("select guard: %w", err)
		}
		m, err := pathselect.SelectMiddle(cb.consensus, g, exit)
		if err != nil {
			return nil, fmt.Errorf("select middle: %w", err)
		}
		guard = g
		middle = m
	} else {
		path, err := pathselect.SelectPath(cb.consensus)
		if err != nil {
			return nil, fmt.Errorf("select path: %w", err)
		}
		guard = &path.Guard
		middle = &path.Middle
		lastHopRelay = &path.Exit
	}

	// Connect to guard.
	l, err := link.Handshake(fmt.Sprintf("%s:%d", guard.Address, guard.ORPort), cb.logger)
	if err != nil {
		return nil, fmt.Errorf("guard handshake: %w", err)
	}

	guardInfo := relayInfoFromConsensus(guard)
	_ = l.SetDeadline(time.Now().Add(30 * time.Second))
	c, err := circuit.Create(l, guardInfo, cb.logger)
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("circuit create: %w", err)
	}

	// Extend to middle.
	middleInfo := relayInfoFromConsensus(middle)
	if err := c.Extend(middleInfo, cb.logger); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("extend to middle: %w", err)
	}

	// Extend to last hop.
	var lastHopInfo *descriptor.RelayInfo
	if target != nil {
		lastHopInfo = target
	} else {
		lastHopInfo = relayInfoFromConsensus(lastHopRelay)
	}
	if err := c.Extend(lastHopInfo, cb.logger); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("extend to last hop: %w", err)
	}

	_ = l.SetDeadline(time.Time{})
	cb.logger.Info("onion circuit built", "circID", fmt.Sprintf("0x%08x", c.ID))

	return &onion.BuiltCircuit{
		Circuit:    c,
		LinkCloser: l,
		LastHop:    lastHopInfo,
	}, nil
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
