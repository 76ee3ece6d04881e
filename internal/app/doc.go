// Package app composes the Daygent backend into a running application.
//
// The package wires domain services, storage, and transport into one
// lifecycle-managed unit. Business rules live in the service packages under
// internal/app/services/; storage implementations live under
// internal/app/storage/; this package owns the composition and nothing else.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, store wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── user/           # Accounts, sessions, API tokens
//	│   ├── workspace/      # Workspaces, members, invitations
//	│   ├── issue/          # Issues, comments, events, statistics
//	│   ├── providerkey/    # Encrypted upstream LLM credentials
//	│   ├── usage/          # Token usage records and summaries
//	│   ├── automation/     # Automation rules and runs
//	│   └── attachment/     # Issue attachments
//	├── services/           # Business logic, one package per domain
//	├── storage/            # Store interfaces and implementations
//	│   ├── interfaces.go   # Store interfaces (UserStore, IssueStore, etc.)
//	│   ├── memory/         # In-memory implementation for tests and dev
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── httpapi/            # HTTP handlers, middleware chain, audit log
//	├── relay/              # OpenAI-compatible completion relay
//	├── events/             # Websocket hub for live issue events
//	├── auth/               # Operator token authentication
//	├── system/             # Component lifecycle manager
//	├── runtime/            # Config-driven assembly for the server binary
//	└── metrics/            # Prometheus registry and host collector
//
// # Layering
//
// A service package receives store interfaces and emits domain values; it
// never touches HTTP or SQL directly. Handlers in httpapi translate between
// the wire and service calls. Store implementations satisfy the interfaces
// in storage/interfaces.go and know nothing about the services above them.
// Code that cuts across these lines belongs here, in the composition layer.
//
// The dependency flow is:
//
//	cmd/daygent-server/
//	      │
//	      ▼
//	internal/app/runtime/ (assembly)
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (business logic)
//	      │           │
//	      │           └──► internal/app/storage/ (interfaces)
//	      │
//	      └──► internal/platform/ (database, migrations)
//
// # Adding a New Domain
//
// When adding a new domain (e.g., "milestones"):
//
//  1. Create domain models in internal/app/domain/milestone/
//  2. Add a store interface to internal/app/storage/interfaces.go
//  3. Implement the store in internal/app/storage/postgres/ and memory/
//  4. Create the service in internal/app/services/milestones/service.go
//  5. Wire the service in internal/app/application.go
//  6. Add HTTP handlers in internal/app/httpapi/handler.go
package app
