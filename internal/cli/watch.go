package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/primoscope/mediadl/internal/events"
)

var watchJob string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live engine events",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchJob, "job", "", "only show events for this job id (prefix ok)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchJob != "" {
		id, err := resolveJobID(newClient(), watchJob)
		if err != nil {
			return err
		}
		watchJob = id
	}

	url := fmt.Sprintf("ws://127.0.0.1:%d/v1/ws", flagPort)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("is the daemon running? (%w)", err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return nil
		}
		if watchJob != "" && ev.JobID != watchJob {
			continue
		}
		payload, _ := json.Marshal(ev.Payload)
		fmt.Printf("%s  %-13s %-8s %s\n",
			ev.Timestamp.Format("15:04:05"), ev.Type, shortID(ev.JobID), payload)
	}
}
