// Package mcpserver registers MCP tools that expose the live chat
// session. It adapts the chat session to the MCP SDK's tool handler
// interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alexjbarnes/feedchat/internal/chat"
	chaterrors "github.com/alexjbarnes/feedchat/internal/errors"
	"github.com/alexjbarnes/feedchat/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultHistoryLimit caps chat_history when no limit is given.
const defaultHistoryLimit = 50

// Chat is the part of *chat.Session the tools use.
type Chat interface {
	Online(ctx context.Context) ([]string, error)
	Unread(ctx context.Context) (chat.UnreadSnapshot, error)
	Open(ctx context.Context, peer string) error
	Messages(ctx context.Context, peer string) ([]models.Message, error)
	Send(ctx context.Context, peer, text string) (models.Message, error)
	Conversations(ctx context.Context) ([]models.ConversationSummary, error)
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, c Chat) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_online",
		Description: "List the ids of peers that are online right now.",
	}, onlineHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_unread",
		Description: "Unread message counts per peer and in total. Counts exclude the conversation currently open and focused.",
	}, unreadHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_conversations",
		Description: "List conversations with their participants and last message.",
	}, conversationsHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_open",
		Description: "Open and focus the conversation with a peer. Clears its unread count and loads history in the background.",
	}, openHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_history",
		Description: "Messages of an open conversation, oldest first. Returns the most recent messages up to limit.",
	}, historyHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a message to a peer. Opens the conversation first if needed. delivered is false when the connection is down; the message is not retried.",
	}, sendHandler(c))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// EmptyInput has no parameters.
type EmptyInput struct{}

// PeerInput names a conversation.
type PeerInput struct {
	Peer string `json:"peer" jsonschema:"user id of the other participant"`
}

// HistoryInput holds parameters for chat_history.
type HistoryInput struct {
	Peer  string `json:"peer" jsonschema:"user id of the other participant"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of messages, defaults to 50"`
}

// SendInput holds parameters for chat_send.
type SendInput struct {
	Peer string `json:"peer" jsonschema:"user id of the recipient"`
	Text string `json:"text" jsonschema:"message text"`
}

// --- Output types ---

// MessageView is a message as tools report it.
type MessageView struct {
	ID         string `json:"id,omitempty"`
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name,omitempty"`
	ReceiverID string `json:"receiver_id"`
	Text       string `json:"text"`
	CreatedAt  string `json:"created_at,omitempty"`
	Pending    bool   `json:"pending,omitempty"`
	Failed     bool   `json:"failed,omitempty"`
}

func viewOf(m models.Message) MessageView {
	v := MessageView{
		ID:         m.ID,
		Sender:     m.Sender,
		SenderName: m.SenderName,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		Pending:    m.Pending,
		Failed:     m.Failed,
	}

	if !m.CreatedAt.IsZero() {
		v.CreatedAt = m.CreatedAt.UTC().Format(time.RFC3339)
	}

	return v
}

// OnlineResult is the output of chat_online.
type OnlineResult struct {
	Online []string `json:"online"`
}

// UnreadResult is the output of chat_unread.
type UnreadResult struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

// ConversationView is one entry of chat_conversations.
type ConversationView struct {
	Peers       []string     `json:"peers"`
	LastMessage *MessageView `json:"last_message,omitempty"`
}

// ConversationsResult is the output of chat_conversations.
type ConversationsResult struct {
	Conversations []ConversationView `json:"conversations"`
	Stale         bool               `json:"stale,omitempty"`
}

// OpenResult is the output of chat_open.
type OpenResult struct {
	Peer string `json:"peer"`
}

// HistoryResult is the output of chat_history.
type HistoryResult struct {
	Peer     string        `json:"peer"`
	Total    int           `json:"total"`
	Messages []MessageView `json:"messages"`
}

// SendResult is the output of chat_send.
type SendResult struct {
	Message   MessageView `json:"message"`
	Delivered bool        `json:"delivered"`
}

// --- Handlers ---

func onlineHandler(c Chat) mcp.ToolHandlerFor[EmptyInput, *OnlineResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *OnlineResult, error) {
		ids, err := c.Online(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &OnlineResult{Online: ids}
		if result.Online == nil {
			result.Online = []string{}
		}

		return textResult(result), result, nil
	}
}

func unreadHandler(c Chat) mcp.ToolHandlerFor[EmptyInput, *UnreadResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *UnreadResult, error) {
		snap, err := c.Unread(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &UnreadResult{Counts: snap.Counts, Total: snap.Total}
		if result.Counts == nil {
			result.Counts = map[string]int{}
		}

		return textResult(result), result, nil
	}
}

func conversationsHandler(c Chat) mcp.ToolHandlerFor[EmptyInput, *ConversationsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *ConversationsResult, error) {
		list, err := c.Conversations(ctx)
		if err != nil && len(list) == 0 {
			return nil, nil, err
		}

		result := &ConversationsResult{
			Conversations: make([]ConversationView, 0, len(list)),
			Stale:         err != nil,
		}

		for _, conv := range list {
			view := ConversationView{Peers: make([]string, 0, len(conv.Peers))}
			for _, p := range conv.Peers {
				view.Peers = append(view.Peers, p.ID)
			}

			if conv.LastMessage != nil {
				last := viewOf(*conv.LastMessage)
				view.LastMessage = &last
			}

			result.Conversations = append(result.Conversations, view)
		}

		return textResult(result), result, nil
	}
}

func openHandler(c Chat) mcp.ToolHandlerFor[PeerInput, *OpenResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PeerInput) (*mcp.CallToolResult, *OpenResult, error) {
		if err := c.Open(ctx, input.Peer); err != nil {
			return nil, nil, err
		}

		result := &OpenResult{Peer: input.Peer}

		return textResult(result), result, nil
	}
}

func historyHandler(c Chat) mcp.ToolHandlerFor[HistoryInput, *HistoryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input HistoryInput) (*mcp.CallToolResult, *HistoryResult, error) {
		msgs, err := c.Messages(ctx, input.Peer)
		if err != nil {
			return nil, nil, err
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultHistoryLimit
		}

		result := &HistoryResult{Peer: input.Peer, Total: len(msgs), Messages: []MessageView{}}

		for _, m := range msgs[max(0, len(msgs)-limit):] {
			result.Messages = append(result.Messages, viewOf(m))
		}

		return textResult(result), result, nil
	}
}

func sendHandler(c Chat) mcp.ToolHandlerFor[SendInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *SendResult, error) {
		msg, err := c.Send(ctx, input.Peer, input.Text)
		if errors.Is(err, chaterrors.ErrConversationNotOpen) {
			if err := c.Open(ctx, input.Peer); err != nil {
				return nil, nil, err
			}

			msg, err = c.Send(ctx, input.Peer, input.Text)
		}

		if err != nil && !errors.Is(err, chaterrors.ErrNotConnected) {
			return nil, nil, err
		}

		result := &SendResult{Message: viewOf(msg), Delivered: err == nil}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
