package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var createMaxParticipants int

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new meeting",
	RunE: func(cmd *cobra.Command, args []string) error {
		server := viper.GetString(serverKey)

		body, err := json.Marshal(map[string]any{
			"maxParticipants": createMaxParticipants,
		})
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Post(server+"/api/meetings", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("creating meeting: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated {
			var apiErr struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&apiErr)
			return fmt.Errorf("creating meeting: %s (status %d)", apiErr.Error, resp.StatusCode)
		}

		var created struct {
			MeetingID string `json:"meetingId"`
			Code      string `json:"code"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}

		fmt.Printf("meeting created\n  id:   %s\n  code: %s\n", created.MeetingID, created.Code)
		return nil
	},
}

func init() {
	createCmd.Flags().IntVar(&createMaxParticipants, "max-participants", 0, "participant limit (0 uses the server default)")
	rootCmd.AddCommand(createCmd)
}
