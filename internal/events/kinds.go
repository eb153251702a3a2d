package events

// Kind identifies a domain event emitted by instance sessions and the
// gateway itself. The set is closed: subscribers may only filter on these.
type Kind string

const (
	ApplicationStartup      Kind = "APPLICATION_STARTUP"
	InstanceCreate          Kind = "INSTANCE_CREATE"
	InstanceDelete          Kind = "INSTANCE_DELETE"
	QRCodeUpdated           Kind = "QRCODE_UPDATED"
	MessagesSet             Kind = "MESSAGES_SET"
	MessagesUpsert          Kind = "MESSAGES_UPSERT"
	MessagesEdited          Kind = "MESSAGES_EDITED"
	MessagesUpdate          Kind = "MESSAGES_UPDATE"
	MessagesDelete          Kind = "MESSAGES_DELETE"
	SendMessage             Kind = "SEND_MESSAGE"
	SendMessageUpdate       Kind = "SEND_MESSAGE_UPDATE"
	ContactsSet             Kind = "CONTACTS_SET"
	ContactsUpdate          Kind = "CONTACTS_UPDATE"
	ContactsUpsert          Kind = "CONTACTS_UPSERT"
	PresenceUpdate          Kind = "PRESENCE_UPDATE"
	ChatsSet                Kind = "CHATS_SET"
	ChatsUpdate             Kind = "CHATS_UPDATE"
	ChatsDelete             Kind = "CHATS_DELETE"
	ChatsUpsert             Kind = "CHATS_UPSERT"
	ConnectionUpdate        Kind = "CONNECTION_UPDATE"
	LabelsEdit              Kind = "LABELS_EDIT"
	LabelsAssociation       Kind = "LABELS_ASSOCIATION"
	GroupsUpsert            Kind = "GROUPS_UPSERT"
	GroupUpdate             Kind = "GROUP_UPDATE"
	GroupParticipantsUpdate Kind = "GROUP_PARTICIPANTS_UPDATE"
	Call                    Kind = "CALL"
	TypebotStart            Kind = "TYPEBOT_START"
	TypebotChangeStatus     Kind = "TYPEBOT_CHANGE_STATUS"
	Errors                  Kind = "ERRORS"
)

// All lists every known event kind, in declaration order.
var All = []Kind{
	ApplicationStartup,
	InstanceCreate,
	InstanceDelete,
	QRCodeUpdated,
	MessagesSet,
	MessagesUpsert,
	MessagesEdited,
	MessagesUpdate,
	MessagesDelete,
	SendMessage,
	SendMessageUpdate,
	ContactsSet,
	ContactsUpdate,
	ContactsUpsert,
	PresenceUpdate,
	ChatsSet,
	ChatsUpdate,
	ChatsDelete,
	ChatsUpsert,
	ConnectionUpdate,
	LabelsEdit,
	LabelsAssociation,
	GroupsUpsert,
	GroupUpdate,
	GroupParticipantsUpdate,
	Call,
	TypebotStart,
	TypebotChangeStatus,
	Errors,
}

var known = func() map[Kind]struct{} {
	m := make(map[Kind]struct{}, len(All))
	for _, k := range All {
		m[k] = struct{}{}
	}
	return m
}()

// Valid reports whether k is one of the closed event-kind set.
func Valid(k Kind) bool {
	_, ok := known[k]
	return ok
}
