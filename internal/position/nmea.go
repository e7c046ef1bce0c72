package position

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mfalcao/convoy-ops/internal/types"
)

const knotsToMps = 0.514444

// NMEAProvider reads NMEA 0183 sentences from a TCP-attached GPS receiver
// and exposes them through the Provider contract. RMC sentences carry
// position, speed, and heading; GGA sentences contribute altitude and the
// HDOP-derived accuracy estimate.
type NMEAProvider struct {
	source string

	mu       sync.Mutex
	watchSeq WatchID
	watchers map[WatchID]watcher
	waiters  map[chan *types.PositionSample]struct{}
	lastGGA  ggaInfo
	conn     net.Conn
	started  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

type watcher struct {
	onFix func(*types.PositionSample)
	onErr func(error)
}

type ggaInfo struct {
	altitude float64
	hdop     float64
	valid    bool
}

// NewNMEAProvider creates a provider for a host:port GPS source. The
// reader connects lazily on first use and reconnects with a fixed delay on
// every failure.
func NewNMEAProvider(source string) *NMEAProvider {
	return &NMEAProvider{
		source:   source,
		watchers: make(map[WatchID]watcher),
		waiters:  make(map[chan *types.PositionSample]struct{}),
		stopChan: make(chan struct{}),
	}
}

// CurrentFix blocks until the next valid RMC sentence or context expiry.
func (p *NMEAProvider) CurrentFix(ctx context.Context, _ FixOptions) (*types.PositionSample, error) {
	p.ensureReader()

	ch := make(chan *types.PositionSample, 1)
	p.mu.Lock()
	p.waiters[ch] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, ch)
		p.mu.Unlock()
	}()

	select {
	case sample := <-ch:
		return sample, nil
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

// Watch registers a standing callback pair for every subsequent fix.
func (p *NMEAProvider) Watch(_ FixOptions, onFix func(*types.PositionSample), onErr func(error)) (WatchID, error) {
	p.ensureReader()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.watchSeq++
	id := p.watchSeq
	p.watchers[id] = watcher{onFix: onFix, onErr: onErr}
	return id, nil
}

// ClearWatch releases a registration. Unknown ids are ignored.
func (p *NMEAProvider) ClearWatch(id WatchID) {
	p.mu.Lock()
	delete(p.watchers, id)
	p.mu.Unlock()
}

// Close stops the reader goroutine and drops the connection.
func (p *NMEAProvider) Close() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	close(p.stopChan)
	if p.conn != nil {
		p.conn.Close()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *NMEAProvider) ensureReader() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.wg.Add(1)
	go p.readLoop()
}

// readLoop connects to the source and feeds parsed sentences to waiters and
// watchers, reconnecting after a short delay on any failure.
func (p *NMEAProvider) readLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", p.source, 10*time.Second)
		if err != nil {
			p.broadcastErr(fmt.Errorf("%w: %v", ErrPositionUnavailable, err))
			select {
			case <-p.stopChan:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()

		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			p.handleSentence(line)
		}
		conn.Close()

		select {
		case <-p.stopChan:
			return
		default:
			p.broadcastErr(fmt.Errorf("%w: source disconnected", ErrPositionUnavailable))
		}
	}
}

func (p *NMEAProvider) handleSentence(line string) {
	switch {
	case strings.HasPrefix(line, "$GPGGA"), strings.HasPrefix(line, "$GNGGA"):
		if gga, err := parseGGA(line); err == nil {
			p.mu.Lock()
			p.lastGGA = gga
			p.mu.Unlock()
		}
	case strings.HasPrefix(line, "$GPRMC"), strings.HasPrefix(line, "$GNRMC"):
		sample, err := parseRMC(line)
		if err != nil {
			return
		}
		p.mu.Lock()
		if p.lastGGA.valid {
			sample.AltitudeMeters = p.lastGGA.altitude
			// Nominal GPS UERE of ~5m scaled by dilution.
			sample.AccuracyMeters = p.lastGGA.hdop * 5
		}
		p.mu.Unlock()
		p.broadcastFix(sample)
	}
}

func (p *NMEAProvider) broadcastFix(sample *types.PositionSample) {
	p.mu.Lock()
	waiters := make([]chan *types.PositionSample, 0, len(p.waiters))
	for ch := range p.waiters {
		waiters = append(waiters, ch)
	}
	watchers := make([]watcher, 0, len(p.watchers))
	for _, w := range p.watchers {
		watchers = append(watchers, w)
	}
	p.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- sample:
		default:
		}
	}
	for _, w := range watchers {
		w.onFix(sample)
	}
}

func (p *NMEAProvider) broadcastErr(err error) {
	p.mu.Lock()
	watchers := make([]watcher, 0, len(p.watchers))
	for _, w := range p.watchers {
		watchers = append(watchers, w)
	}
	p.mu.Unlock()

	for _, w := range watchers {
		if w.onErr != nil {
			w.onErr(err)
		}
	}
}

// parseRMC parses a recommended-minimum sentence:
// $GPRMC,time,status,lat,N/S,lon,E/W,speed_knots,course,date,...
func parseRMC(line string) (*types.PositionSample, error) {
	fields := strings.Split(stripChecksum(line), ",")
	if len(fields) < 10 {
		return nil, fmt.Errorf("invalid RMC sentence: %d fields", len(fields))
	}
	if fields[2] != "A" {
		return nil, fmt.Errorf("RMC fix not valid")
	}

	lat, err := parseCoordinate(fields[3], fields[4])
	if err != nil {
		return nil, fmt.Errorf("invalid latitude: %w", err)
	}
	lon, err := parseCoordinate(fields[5], fields[6])
	if err != nil {
		return nil, fmt.Errorf("invalid longitude: %w", err)
	}

	sample := &types.PositionSample{
		Latitude:   lat,
		Longitude:  lon,
		CapturedAt: time.Now().UTC(),
	}
	if fields[7] != "" {
		if knots, err := strconv.ParseFloat(fields[7], 64); err == nil {
			sample.SpeedMps = knots * knotsToMps
		}
	}
	if fields[8] != "" {
		if course, err := strconv.ParseFloat(fields[8], 64); err == nil {
			sample.HeadingDeg = course
		}
	}
	if t, err := parseRMCTime(fields[1], fields[9]); err == nil {
		sample.CapturedAt = t
	}
	return sample, nil
}

// parseGGA extracts altitude and HDOP from a fix-data sentence:
// $GPGGA,time,lat,N/S,lon,E/W,quality,sats,hdop,altitude,M,...
func parseGGA(line string) (ggaInfo, error) {
	fields := strings.Split(stripChecksum(line), ",")
	if len(fields) < 10 {
		return ggaInfo{}, fmt.Errorf("invalid GGA sentence: %d fields", len(fields))
	}
	if fields[6] == "0" || fields[6] == "" {
		return ggaInfo{}, fmt.Errorf("GGA fix not valid")
	}

	var gga ggaInfo
	if fields[8] != "" {
		if hdop, err := strconv.ParseFloat(fields[8], 64); err == nil {
			gga.hdop = hdop
		}
	}
	if fields[9] != "" {
		if alt, err := strconv.ParseFloat(fields[9], 64); err == nil {
			gga.altitude = alt
		}
	}
	gga.valid = true
	return gga, nil
}

// parseCoordinate converts NMEA ddmm.mmmm plus hemisphere to decimal
// degrees.
func parseCoordinate(value, hemisphere string) (float64, error) {
	if value == "" {
		return 0, fmt.Errorf("empty coordinate")
	}
	raw, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	degrees := float64(int(raw / 100))
	minutes := raw - degrees*100
	decimal := degrees + minutes/60
	if hemisphere == "S" || hemisphere == "W" {
		decimal = -decimal
	}
	return decimal, nil
}

// parseRMCTime combines the hhmmss.ss and ddmmyy fields into UTC.
func parseRMCTime(hms, dmy string) (time.Time, error) {
	if len(hms) < 6 || len(dmy) != 6 {
		return time.Time{}, fmt.Errorf("incomplete RMC timestamp")
	}
	return time.Parse("020106 150405", dmy+" "+hms[:6])
}

func stripChecksum(line string) string {
	if i := strings.IndexByte(line, '*'); i >= 0 {
		return line[:i]
	}
	return line
}
