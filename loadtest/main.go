package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v3"
)

type settings struct {
	baseURL  string
	wsURL    string
	pairs    int
	msgCount int
}

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       string `json:"id"`
	Username string `json:"username"`
}

type GroupResponse struct {
	ID string `json:"id"`
}

var received atomic.Int64

func main() {
	cmd := &cli.Command{
		Name:  "loadtest",
		Usage: "drive pairs of users through group and direct chat",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "base", Value: "http://localhost:8080"},
			&cli.IntFlag{Name: "pairs", Value: 500, Usage: "⚠️ start small, the database might choke on 1000 immediately"},
			&cli.IntFlag{Name: "messages", Value: 20, Usage: "messages per user"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			base := strings.TrimRight(cmd.String("base"), "/")
			s := settings{
				baseURL:  base,
				wsURL:    "ws" + strings.TrimPrefix(base, "http") + "/ws",
				pairs:    int(cmd.Int("pairs")),
				msgCount: int(cmd.Int("messages")),
			}
			run(s)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(s settings) {
	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", s.pairs*2, s.msgCount)
	start := time.Now()
	var wg sync.WaitGroup

	// We will create pairs: User 0 talks to User 1, User 2 talks to User 3...
	for i := 0; i < s.pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(s, pairID)
		}(i)
	}

	wg.Wait()
	log.Printf("✅ LOAD TEST COMPLETE in %s, %d frames received", time.Since(start), received.Load())
}

func runPair(s settings, pairID int) {
	// 1. Define Users (e.g., u_0_a, u_0_b)
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	// 2. Register & Login
	a := authenticate(s, userA, pass)
	b := authenticate(s, userB, pass)
	if a.Token == "" || b.Token == "" {
		return // Failed auth
	}

	// 3. User A opens a group; both sides subscribe over the socket
	groupID := createGroup(s, a.Token, fmt.Sprintf("pair %d", pairID))
	if groupID == "" {
		return
	}

	// 4. Start WebSocket Spam (Both sides): group messages plus a direct line
	var wsWg sync.WaitGroup
	wsWg.Add(2)

	go spamChat(s, &wsWg, a, groupID, b.ID)
	go spamChat(s, &wsWg, b, groupID, a.ID)

	wsWg.Wait()
}

// authenticate registers (ignores error if exists) and logs in
func authenticate(s settings, username, password string) AuthResponse {
	// Register (Ignore error, might already exist)
	if resp, err := postJSON(s, "", "/register", map[string]string{"username": username, "password": password}); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON(s, "", "/login", map[string]string{"username": username, "password": password})
	if err != nil {
		log.Printf("❌ Login Failed [%s]: %v", username, err)
		return AuthResponse{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("❌ Login Failed [%s]: %s", username, resp.Status)
		return AuthResponse{}
	}

	var data AuthResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data
}

func createGroup(s settings, token, name string) string {
	resp, err := postJSON(s, token, "/api/groups", map[string]any{"name": name, "addMode": 0})
	if err != nil {
		log.Printf("❌ Create Group Failed: %v", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		log.Printf("❌ Create Group Failed: %s", resp.Status)
		return ""
	}

	var data GroupResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data.ID
}

func spamChat(s settings, wg *sync.WaitGroup, me AuthResponse, groupID, peerID string) {
	defer wg.Done()

	// Connect WS
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?token=%s", s.wsURL, me.Token), nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", me.Username, err)
		return
	}
	defer conn.Close()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			received.Add(1)
		}
	}()

	if err := conn.WriteJSON(map[string]string{"action": "join_group", "groupId": groupID}); err != nil {
		log.Printf("❌ Join Fail [%s]: %v", me.Username, err)
		return
	}

	// Spam Loop
	for i := 0; i < s.msgCount; i++ {
		receiveID := groupID
		if i%2 == 1 {
			receiveID = peerID
		}
		msg := map[string]any{
			"type":      0,
			"receiveId": receiveID,
			"content":   fmt.Sprintf("LoadTest Msg %d from %s", i, me.Username),
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("❌ Send Fail [%s]: %v", me.Username, err)
			break
		}
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}
	// Give the fan-out a moment before hanging up.
	time.Sleep(200 * time.Millisecond)
	log.Printf("✅ %s finished sending %d msgs", me.Username, s.msgCount)
}

func postJSON(s settings, token, endpoint string, data any) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	req, err := http.NewRequest(http.MethodPost, s.baseURL+endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
