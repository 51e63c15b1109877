package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"parley/internal/api"
	"parley/internal/config"
	"parley/internal/models"
)

// ParseParticipants parses a comma separated list of user ids.
func ParseParticipants(list string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid participant id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no participants given")
	}
	return ids, nil
}

// AddConversation asks the running server's admin API to create a conversation.
func AddConversation(kind string, participants []int64, cfg *config.Config) (models.Conversation, error) {
	reqBody, err := json.Marshal(api.AddConversationRequest{
		Kind:           models.ConversationKind(kind),
		ParticipantIDs: participants,
	})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/conversations", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return models.Conversation{}, fmt.Errorf("failed to add conversation (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.AddConversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nConversation Created Successfully!\n")
	fmt.Printf("ID:           %d\n", result.Conversation.ID)
	fmt.Printf("Kind:         %s\n", result.Conversation.Kind)
	fmt.Printf("Participants: %v\n\n", result.Conversation.ParticipantIDs)
	return result.Conversation, nil
}
