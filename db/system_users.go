package db

// Actors recorded in ended_by and transfer history entries when no agent
// performed the action.
const (
	// EndedByAgent marks a room closed from the agent side
	EndedByAgent = "agent"

	// EndedByContact marks a room closed by the contact's channel
	EndedByContact = "contact"

	// ActorSystem is used for integration (HMAC) callers
	ActorSystem = "system"

	// ActorQueueRouting is the actor of assignments made by queue-priority routing
	ActorQueueRouting = "queue_routing"

	// ActorAutomaticMessage authors transfer history rows written by the first-touch policy
	ActorAutomaticMessage = "automatic_message"
)
