package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"FinAssist/sdk/go/finassist"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		var req finassist.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(finassist.Reply{
			SessionID: "demo-session",
			TurnID:    "turn-1",
			Intent:    "live_data_query",
			Answer:    "关于「" + req.Query + "」，根据现有资料整理如下：\n[T1] 贵州茅台(600519) 最新价 1705.5",
			Citations: []string{"[T1] sina:600519"},
			Timestamp: time.Now().UTC(),
		})
	})
	mux.HandleFunc("/api/v1/sessions/demo-session", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(finassist.Session{SessionID: "demo-session", UserID: "demo", Turns: []finassist.Turn{{TurnID: "turn-1"}}})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := finassist.NewClient(srv.URL, finassist.WithHTTPClient(srv.Client()), finassist.WithUserID("demo"))
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := client.Chat(ctx, finassist.ChatRequest{Query: "贵州茅台的股价是多少？"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("session %s turn %s intent=%s\n%s\n", reply.SessionID, reply.TurnID, reply.Intent, reply.Answer)

	sess, err := client.Session(ctx, reply.SessionID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("session has %d turn(s)\n", len(sess.Turns))

	if err := client.EndSession(ctx, reply.SessionID); err != nil {
		panic(err)
	}
	fmt.Println("session ended")
}
