// Command room-harness drives a running collaboration server with simulated
// participants and reports what each one observed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ericfitz/tmi-collab/internal/slogging"
	"github.com/ericfitz/tmi-collab/internal/uuidgen"
)

type Config struct {
	ServerURL    string
	Room         string
	Participants int
	Viewers      int
	Moves        int
	MoveInterval time.Duration
	Settle       time.Duration
}

type frame struct {
	Type             string          `json:"type"`
	RequestID        string          `json:"request_id"`
	Success          bool            `json:"success"`
	PermissionDenied bool            `json:"permission_denied"`
	Error            string          `json:"error"`
	SessionID        string          `json:"session_id"`
	Color            string          `json:"color"`
	UserID           string          `json:"user_id"`
	Data             json.RawMessage `json:"data"`
}

type participant struct {
	userID string
	role   string
	conn   *websocket.Conn
	acks   chan frame

	mu       sync.Mutex
	observed map[string]int
	denied   int
	failed   int
	color    string
}

// Report is what one participant saw during the run
type Report struct {
	UserID   string         `json:"user_id"`
	Role     string         `json:"role"`
	Color    string         `json:"color"`
	Observed map[string]int `json:"observed"`
	Denied   int            `json:"denied"`
	Failed   int            `json:"failed"`
}

func main() {
	config := parseArgs()
	logger := slogging.Get().GetSlogger()
	logger.Info("Room harness starting", "server", config.ServerURL, "room", config.Room,
		"participants", config.Participants, "viewers", config.Viewers, "moves", config.Moves)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reports, err := run(ctx, config)
	if err != nil {
		logger.Error("Harness failed", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		logger.Error("Failed to write report", "error", err)
		os.Exit(1)
	}
}

func parseArgs() Config {
	var config Config
	flag.StringVar(&config.ServerURL, "server", "localhost:8080", "Server URL")
	flag.StringVar(&config.Room, "room", "harness-room", "Room to join")
	flag.IntVar(&config.Participants, "participants", 3, "Number of simulated participants")
	flag.IntVar(&config.Viewers, "viewers", 1, "How many of the participants join as viewers")
	flag.IntVar(&config.Moves, "moves", 50, "Cursor moves sent by each participant")
	flag.DurationVar(&config.MoveInterval, "move-interval", 20*time.Millisecond, "Delay between cursor moves")
	flag.DurationVar(&config.Settle, "settle", time.Second, "Wait for trailing broadcasts before reporting")
	flag.Parse()

	if config.Participants < 1 || config.Viewers < 0 || config.Viewers > config.Participants {
		slogging.Get().GetSlogger().Error("Invalid parameter combination", "participants", config.Participants, "viewers", config.Viewers)
		os.Exit(1)
	}
	if !strings.HasPrefix(config.ServerURL, "http://") && !strings.HasPrefix(config.ServerURL, "https://") {
		config.ServerURL = "http://" + config.ServerURL
	}
	return config
}

func run(ctx context.Context, config Config) ([]Report, error) {
	participants := make([]*participant, 0, config.Participants)
	defer func() {
		for _, p := range participants {
			_ = p.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = p.conn.Close()
		}
	}()

	for i := range config.Participants {
		role := "editor"
		if i >= config.Participants-config.Viewers {
			role = "viewer"
		}
		p, err := connect(ctx, config, fmt.Sprintf("harness-user-%d", i+1), role)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range participants {
		g.Go(func() error { return p.drive(gctx, config, i) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	select {
	case <-time.After(config.Settle):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := logRoster(ctx, config); err != nil {
		slogging.Get().GetSlogger().Warn("Failed to fetch room roster", "error", err)
	}

	reports := make([]Report, 0, len(participants))
	for _, p := range participants {
		reports = append(reports, p.report())
	}
	return reports, nil
}

func connect(ctx context.Context, config Config, userID, role string) (*participant, error) {
	wsURL := strings.Replace(config.ServerURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1) + "/ws"

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			slogging.Get().GetSlogger().Error("WebSocket connection failed", "status_code", resp.StatusCode, "body", string(body))
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	p := &participant{
		userID:   userID,
		role:     role,
		conn:     conn,
		acks:     make(chan frame, 16),
		observed: make(map[string]int),
	}
	go p.readLoop()

	ack, err := p.request(ctx, "join_room", map[string]string{
		"room":     config.Room,
		"user_id":  userID,
		"username": strings.ReplaceAll(userID, "-", " "),
		"role":     role,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !ack.Success {
		_ = conn.Close()
		return nil, fmt.Errorf("join as %s failed: %s", userID, ack.Error)
	}
	p.color = ack.Color
	slogging.Get().GetSlogger().Info("Joined", "user_id", userID, "role", role, "session_id", ack.SessionID, "color", ack.Color)
	return p, nil
}

func (p *participant) readLoop() {
	defer close(p.acks)
	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			slogging.Get().GetSlogger().Debug("WebSocket read ended", "user_id", p.userID, "error", err)
			return
		}
		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			slogging.Get().GetSlogger().Warn("Failed to parse frame", "error", err, "raw_message", string(message))
			continue
		}
		if f.Type == "ack" {
			p.acks <- f
			continue
		}
		p.mu.Lock()
		p.observed[f.Type]++
		p.mu.Unlock()
	}
}

// request sends one frame and waits for its ack. Only the driving goroutine
// writes to the connection.
func (p *participant) request(ctx context.Context, typ string, data any) (frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return frame{}, err
	}
	requestID := typ + "-" + uuidgen.NewRequestID()
	msg, err := json.Marshal(map[string]any{"type": typ, "request_id": requestID, "data": json.RawMessage(raw)})
	if err != nil {
		return frame{}, err
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return frame{}, fmt.Errorf("send %s: %w", typ, err)
	}

	for {
		select {
		case ack, ok := <-p.acks:
			if !ok {
				return frame{}, fmt.Errorf("connection closed waiting for %s ack", typ)
			}
			if ack.RequestID == requestID {
				return ack, nil
			}
		case <-ctx.Done():
			return frame{}, ctx.Err()
		case <-time.After(10 * time.Second):
			return frame{}, fmt.Errorf("timed out waiting for %s ack", typ)
		}
	}
}

func (p *participant) record(ack frame) {
	if ack.Success {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ack.PermissionDenied {
		p.denied++
		return
	}
	p.failed++
}

func (p *participant) drive(ctx context.Context, config Config, index int) error {
	shapeID := fmt.Sprintf("shape-%d", index+1)
	ack, err := p.request(ctx, "shape_created", map[string]any{"id": shapeID, "x": index * 40, "y": 40})
	if err != nil {
		return err
	}
	p.record(ack)

	elementID := fmt.Sprintf("element-%d", index%2)
	if ack, err = p.request(ctx, "lock_element", map[string]string{"element_id": elementID}); err != nil {
		return err
	}
	p.record(ack)
	locked := ack.Success

	for i := range config.Moves {
		ack, err := p.request(ctx, "cursor_move", map[string]float64{
			"x": float64(index*100 + i),
			"y": float64(i * 3),
		})
		if err != nil {
			return err
		}
		p.record(ack)
		select {
		case <-time.After(config.MoveInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if locked {
		if ack, err = p.request(ctx, "unlock_element", map[string]string{"element_id": elementID}); err != nil {
			return err
		}
		p.record(ack)
	}
	return nil
}

func (p *participant) report() Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	observed := make(map[string]int, len(p.observed))
	for k, v := range p.observed {
		observed[k] = v
	}
	return Report{
		UserID:   p.userID,
		Role:     p.role,
		Color:    p.color,
		Observed: observed,
		Denied:   p.denied,
		Failed:   p.failed,
	}
}

func logRoster(ctx context.Context, config Config) error {
	client := http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   10 * time.Second,
	}
	endpoint := fmt.Sprintf("%s/rooms/%s/users", config.ServerURL, url.PathEscape(config.Room))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", endpoint, resp.Status)
	}

	var body struct {
		Users []struct {
			UserID string `json:"user_id"`
			Role   string `json:"role"`
			Color  string `json:"color"`
		} `json:"users"`
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	users := make([]string, 0, len(body.Users))
	for _, u := range body.Users {
		users = append(users, u.UserID+"("+u.Role+")")
	}
	sort.Strings(users)
	slogging.Get().GetSlogger().Info("Room roster", "room", config.Room, "count", body.Count, "users", strings.Join(users, ", "))
	return nil
}
