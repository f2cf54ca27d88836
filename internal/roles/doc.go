// Package roles composes the four sense agents on top of a messaging node.
//
// Each agent owns one node and talks to the outside world through a narrow
// collaborator interface:
//
//   - Brain (role "brain") answers text, audio transcripts and images via an
//     LLM and replies to the mouth.
//   - Ear (role "audio_input") forwards each utterance a Transcriber hears to
//     the brain.
//   - Eye (role "vision") captures frames from a FrameSource and sends at most
//     one per analysis interval to the brain.
//   - Mouth (role "audio_output") strips markdown from incoming text and
//     speaks it through a Speaker, one utterance at a time.
//
// Agents expose ID, Start and Stop so the platform orchestrator can sequence
// them. Stop ends background loops before stopping the node; the mouth
// additionally drains its speech queue.
package roles
