package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	BaseURL   = "http://localhost:8080"
	WSURL     = "ws://localhost:8080/ws"
	PairCount = 100 // Pairs of users messaging each other
	MsgCount  = 20  // Messages per user
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       int    `json:"id"`
	Username string `json:"username"`
}

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func main() {
	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", PairCount*2, MsgCount)
	var wg sync.WaitGroup

	// Pairs: user 0a talks to user 0b, 1a to 1b, ...
	for i := 0; i < PairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Println("✅ LOAD TEST COMPLETE")
}

func runPair(pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	authA := authenticate(userA, pass)
	authB := authenticate(userB, pass)
	if authA == nil || authB == nil {
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)

	go spamDirect(&wsWg, authA, authB.ID)
	go spamDirect(&wsWg, authB, authA.ID)

	wsWg.Wait()
}

// authenticate registers (ignores error if exists) and logs in
func authenticate(username, password string) *AuthResponse {
	postJSON("/register", map[string]string{"username": username, "password": password})

	resp, err := postJSON("/login", map[string]string{"username": username, "password": password})
	if err != nil {
		log.Printf("❌ Login Failed [%s]: %v", username, err)
		return nil
	}
	defer resp.Body.Close()

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil || data.Token == "" {
		log.Printf("❌ Login Decode Failed [%s]: %v", username, err)
		return nil
	}
	return &data
}

func spamDirect(wg *sync.WaitGroup, auth *AuthResponse, recipientID int) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?token=%s", WSURL, auth.Token), nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", auth.Username, err)
		return
	}
	defer conn.Close()

	// Drain server pushes so the connection stays healthy.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < MsgCount; i++ {
		msg := envelope{
			Event: "direct-message",
			Data: map[string]string{
				"recipientId": fmt.Sprintf("%d", recipientID),
				"content":     fmt.Sprintf("LoadTest Msg %d from %s", i, auth.Username),
			},
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("❌ Send Fail [%s]: %v", auth.Username, err)
			break
		}
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("✅ %s finished sending %d msgs", auth.Username, MsgCount)
}

func postJSON(endpoint string, data interface{}) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(BaseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
