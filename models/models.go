package models

// This file serves as the central export point for all database models
// Import this package to access all model types

// All models are automatically exported from their respective files:
// - User, RefreshToken, APIKey from user.go
// - Agent from agent.go
// - Conversation, Message from conversation.go
// - UsageRecord, PaymentRecord from billing.go
// - AuditLog from audit.go

// Database schema overview:
// 1. users - Accounts, optionally linked to a Solana wallet
// 2. refresh_tokens / api_keys - Hashed long-lived credentials
// 3. agents - User-owned agents bound to a model id with sampling parameters
// 4. conversations / messages - Chat history per agent and user
// 5. usage_records - Daily request and token counters per user
// 6. payment_records - Verified on-chain token payments
// 7. audit_logs - Sanitized security and resource events

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleAdmin     = "admin"
)
