// Package rolebot implements a persona-based roleplay Discord bot backed
// by an OpenAI-compatible chat completion API.
//
// The bot watches a set of allowed channels. Each channel owns a roleplay
// scenario (a world setting, the human player's character, and one to
// three AI personas), a bounded conversation history with per-persona
// attribution, and a small state machine governing scenario registration.
// Incoming messages for a channel are serialized onto that channel's task
// queue, so at most one turn is ever in flight per channel while unrelated
// channels proceed in parallel.
//
// Key components of the package include:
//
//   - RoleBot: the main struct wiring everything together.
//   - Discord: gateway session handling and slash command registration.
//   - OpenAI: persona reply generation and scenario generation.
//   - ChannelStore: the durable mirror of per-channel conversation state.
//   - ChannelTaskQueue: per-channel serialized task execution.
//   - ChannelRegistry: the in-memory, authoritative channel contexts.
//
// Slash commands:
//
//   - /init: start registering a new scenario (1-3 personas).
//   - /clear: delete the channel's conversation history.
//   - /aimode: choose which persona(s) reply to each message.
//   - /show: post the current scenario as a text attachment.
//   - /debug: preview the next model payload.
//   - /time: current JST timestamp.
package rolebot
