// Package agent streams replies from a language model into conversations.
//
// # Overview
//
// The agent is an ordinary user (handle "coven" by default) whose messages are
// produced by a completion.Source. Its replies travel through the same store and
// broadcast groups as human messages, so clients need no separate channel.
//
// # Trigger Policy
//
// A stored message gets a reply when its sender is not the agent and either:
//
//   - the conversation's participants are exactly the sender and the agent, or
//   - the text contains the @@ trigger.
//
// Each trigger message id starts at most one reply.
//
// # Reply Lifecycle
//
//  1. The agent joins the conversation if needed (a direct chat becomes a group)
//  2. The most recent non-deleted messages become the prompt
//  3. An empty placeholder message is stored and announced with message:new
//  4. Every streamed chunk is announced with message:delta carrying the
//     chunk and the text so far
//  5. The final text is persisted under the placeholder id
//
// If the stream fails, the partial text (or an "(agent error: ...)" note when
// nothing arrived) is persisted and announced in one last message:delta.
//
// # Usage
//
//	orch := agent.NewOrchestrator(store, mutator, bus, source, agent.Config{}, logger)
//	if _, err := orch.EnsureAgentUser(ctx); err != nil { ... }
//	if orch.ShouldReply(conv, msg) {
//	    orch.Start(conv, msg)
//	}
package agent
