// Command probe is a smoke test against a running hub. It connects through
// the real client core, sends a chat message, and waits for the reconciled
// confirmation to come back; optionally it also runs an analysis job to
// completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"signoff/hub/internal/apiclient"
	"signoff/hub/internal/chat"
	"signoff/hub/internal/jobs"
	"signoff/hub/internal/realtime"
)

func main() {
	apiURL := flag.String("api", "http://localhost:8790", "hub base URL")
	token := flag.String("token", "signoff-dev-token", "hub bearer token")
	channelID := flag.Int64("channel", 1, "chat channel to probe")
	userID := flag.Int64("user", 1, "acting user id")
	documentID := flag.Int64("document", 0, "document to analyze (0 skips the job probe)")
	version := flag.Int("version", 1, "document version to analyze")
	timeout := flag.Duration("timeout", 15*time.Second, "per-step deadline")
	flag.Parse()

	wsURL := "ws" + strings.TrimPrefix(*apiURL, "http") + "/ws?token=" + *token
	transport := &realtime.WebsocketTransport{URL: wsURL, Token: *token}
	client := realtime.NewClient(transport, realtime.Identity{UserID: *userID, UserName: "probe"}, realtime.ClientOptions{})
	defer client.Disconnect()

	client.OnStateChange(func(state realtime.ConnState) {
		log.Printf("connection state: %s", state)
	})
	client.Connect()
	if err := waitConnected(client, *timeout); err != nil {
		log.Fatalf("PROBE FAILED: %v", err)
	}

	if err := probeChat(client, *channelID, *timeout); err != nil {
		log.Fatalf("PROBE FAILED: %v", err)
	}
	log.Printf("chat round trip ok on channel %d", *channelID)

	if *documentID > 0 {
		api := apiclient.New(*apiURL, *token)
		if err := probeAnalysis(client, api, *documentID, *version, *timeout); err != nil {
			log.Fatalf("PROBE FAILED: %v", err)
		}
		log.Printf("analysis job ok for document %d v%d", *documentID, *version)
	}

	log.Printf("PROBE OK")
}

func waitConnected(client *realtime.Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !client.IsConnected() {
		if time.Now().After(deadline) {
			return fmt.Errorf("hub connection not established within %s", timeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

func probeChat(client *realtime.Client, channelID int64, timeout time.Duration) error {
	confirmed := make(chan struct{}, 1)
	content := fmt.Sprintf("probe %d", time.Now().UnixNano())

	channel := client.OpenChannel(channelID, func(entries []chat.Entry) {
		for _, entry := range entries {
			if entry.Content == content && entry.Status == chat.StatusConfirmed {
				select {
				case confirmed <- struct{}{}:
				default:
				}
			}
		}
	})
	defer channel.Close()

	channel.Send(content)

	select {
	case <-confirmed:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("message %q was never confirmed: %+v", content, channel.Entries())
	}
}

func probeAnalysis(client *realtime.Client, api *apiclient.Client, documentID int64, version int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	job, err := api.StartAnalysis(ctx, documentID, version)
	if err != nil {
		return fmt.Errorf("start analysis: %w", err)
	}
	log.Printf("queued job %s (%s)", job.ID, job.JobKey)

	handle := client.StartJob(job.JobKey, api.FetchJobStatus(job.ID), jobs.Options{
		Interval: time.Second,
		Timeout:  timeout,
	}, nil)

	<-handle.Done()
	state, reason := handle.State()
	if state != jobs.StateSuccess {
		return fmt.Errorf("job ended %s: %s", state, reason)
	}
	return nil
}
