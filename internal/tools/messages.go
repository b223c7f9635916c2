package tools

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hivemux/hivemux/internal/events"
	"github.com/hivemux/hivemux/internal/models"
)

// communicationTools move messages between agents and the admin. Delivery is
// store-and-forward: rows persist until the recipient polls them.
func (r *Registry) communicationTools() []Tool {
	return []Tool{
		{
			Category: CategoryAgentCommunication,
			Def: mcp.NewTool("send_agent_message",
				mcp.WithDescription("Send a direct message to another agent or to the admin."),
				mcp.WithString("recipient_id", mcp.Required(), mcp.Description("Receiving agent id, or admin")),
				mcp.WithString("content", mcp.Required(), mcp.Description("Message body")),
				mcp.WithString("priority", mcp.Description("low, normal, or high (default normal)")),
				tokenParam,
			),
			Handler: r.sendMessageHandler(),
		},
		{
			Category: CategoryAgentCommunication,
			Def: mcp.NewTool("get_agent_messages",
				mcp.WithDescription("Fetch your messages, oldest first. By default they are marked read."),
				mcp.WithBoolean("unread_only", mcp.Description("Only return unread messages (default false)")),
				mcp.WithBoolean("mark_read", mcp.Description("Mark returned messages as read (default true)")),
				tokenParam,
			),
			Handler: r.getMessagesHandler(),
		},
		{
			Category: CategoryAgentCommunication,
			Def: mcp.NewTool("broadcast_admin_message",
				mcp.WithDescription("Send a message to every non-terminated agent. Admin only."),
				mcp.WithString("content", mcp.Required(), mcp.Description("Message body")),
				mcp.WithString("priority", mcp.Description("low, normal, or high (default normal)")),
				tokenParam,
			),
			Handler: r.broadcastHandler(),
		},
	}
}

func (r *Registry) sendMessageHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, _, err := r.caller(ctx, req)
		if err != nil {
			return errResult(err)
		}
		recipient, err := req.RequireString("recipient_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		priority := models.MessagePriority(req.GetString("priority", string(models.MessagePriorityNormal)))
		if !models.ValidMessagePriority(priority) {
			return errResult(models.Validationf("invalid priority %q", priority))
		}

		recipient = models.CanonicalActor(recipient)
		if recipient != models.AdminID {
			if _, err := r.deps.Store.GetAgent(ctx, recipient); err != nil {
				if errors.Is(err, models.ErrNotFound) {
					return errResult(models.NotFoundf("recipient %s does not exist", recipient))
				}
				return errResult(err)
			}
		}

		msg := &models.AgentMessage{
			SenderID:    actor,
			RecipientID: recipient,
			Content:     content,
			Type:        models.MessageTypeDirect,
			Priority:    priority,
		}
		if err := r.deps.Store.InsertMessage(ctx, msg); err != nil {
			return errResult(err)
		}
		r.recordAction(ctx, actor, "send_agent_message", nil, map[string]interface{}{
			"recipient_id": recipient,
			"priority":     string(priority),
		})
		// Per-recipient subject so a recipient-side subscriber can filter
		// without seeing everyone's mail.
		r.publish(ctx, events.BuildMessageSubject(recipient), map[string]interface{}{
			"message_id":   msg.ID,
			"sender_id":    actor,
			"recipient_id": recipient,
			"priority":     string(priority),
		})
		return textResult(msg), nil
	}
}

func (r *Registry) getMessagesHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, _, err := r.caller(ctx, req)
		if err != nil {
			return errResult(err)
		}
		messages, err := r.deps.Store.GetMessages(ctx, actor,
			req.GetBool("unread_only", false),
			req.GetBool("mark_read", true))
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]interface{}{
			"count":    len(messages),
			"messages": messages,
		}), nil
	}
}

func (r *Registry) broadcastHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := r.requireAdmin(ctx, req); err != nil {
			return errResult(err)
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		priority := models.MessagePriority(req.GetString("priority", string(models.MessagePriorityNormal)))
		if !models.ValidMessagePriority(priority) {
			return errResult(models.Validationf("invalid priority %q", priority))
		}

		messages, err := r.deps.Store.BroadcastMessage(ctx, models.AdminID, content, priority)
		if err != nil {
			return errResult(err)
		}
		r.recordAction(ctx, models.AdminID, "broadcast_admin_message", nil, map[string]interface{}{
			"recipients": len(messages),
			"priority":   string(priority),
		})
		r.publish(ctx, events.Broadcast, map[string]interface{}{
			"recipients": len(messages),
			"priority":   string(priority),
		})
		return textResult(map[string]interface{}{
			"recipients": len(messages),
			"priority":   string(priority),
		}), nil
	}
}
