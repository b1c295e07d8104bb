package event

// The bodies below cover the notifications a bot commonly reacts to. The
// generated DTO layer can register more on the same Registry.

type User struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	Nickname    string  `json:"nickname"`
	IdentifyNum string  `json:"identify_num"`
	Avatar      string  `json:"avatar"`
	Bot         bool    `json:"bot"`
	Online      bool    `json:"online"`
	Roles       []int64 `json:"roles"`
}

// MessageExtra is the extra object of user messages (text, kmarkdown,
// card, media).
type MessageExtra struct {
	Type         MessageType `json:"type"`
	GuildID      string      `json:"guild_id"`
	ChannelName  string      `json:"channel_name"`
	Mention      []string    `json:"mention"`
	MentionAll   bool        `json:"mention_all"`
	MentionRoles []int64     `json:"mention_roles"`
	MentionHere  bool        `json:"mention_here"`
	Author       User        `json:"author"`
	Code         string      `json:"code"`
}

type Role struct {
	RoleID      int64  `json:"role_id"`
	Name        string `json:"name"`
	Color       int    `json:"color"`
	Position    int    `json:"position"`
	Hoist       int    `json:"hoist"`
	Mentionable int    `json:"mentionable"`
	Permissions int64  `json:"permissions"`
}

type GuildMemberChange struct {
	UserID   string `json:"user_id"`
	JoinedAt int64  `json:"joined_at,omitempty"`
	ExitedAt int64  `json:"exited_at,omitempty"`
}

type GuildUpdate struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	UserID           string `json:"user_id"`
	Icon             string `json:"icon"`
	NotifyType       int    `json:"notify_type"`
	Region           string `json:"region"`
	EnableOpen       bool   `json:"enable_open"`
	OpenID           int64  `json:"open_id"`
	DefaultChannelID string `json:"default_channel_id"`
	WelcomeChannelID string `json:"welcome_channel_id"`
}

type Emoji struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Reaction struct {
	MsgID     string `json:"msg_id"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Emoji     Emoji  `json:"emoji"`
}

type MessageUpdate struct {
	MsgID     string   `json:"msg_id"`
	ChannelID string   `json:"channel_id"`
	Content   string   `json:"content"`
	Mention   []string `json:"mention"`
	UpdatedAt int64    `json:"updated_at"`
}

type MessageDelete struct {
	MsgID     string `json:"msg_id"`
	ChannelID string `json:"channel_id"`
}

type ChannelPresence struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	JoinedAt  int64  `json:"joined_at,omitempty"`
	ExitedAt  int64  `json:"exited_at,omitempty"`
}

type MemberPresence struct {
	UserID    string   `json:"user_id"`
	EventTime int64    `json:"event_time"`
	Guilds    []string `json:"guilds"`
}

type ButtonClick struct {
	MsgID    string `json:"msg_id"`
	UserID   string `json:"user_id"`
	Value    string `json:"value"`
	TargetID string `json:"target_id"`
	UserInfo User   `json:"user_info"`
}

type SelfGuild struct {
	GuildID string `json:"guild_id"`
}

// System event sub types.
const (
	SysAddedRole       = "added_role"
	SysDeletedRole     = "deleted_role"
	SysUpdatedRole     = "updated_role"
	SysJoinedGuild     = "joined_guild"
	SysExitedGuild     = "exited_guild"
	SysUpdatedGuild    = "updated_guild"
	SysAddedReaction   = "added_reaction"
	SysDeletedReaction = "deleted_reaction"
	SysUpdatedMessage  = "updated_message"
	SysDeletedMessage  = "deleted_message"
	SysJoinedChannel   = "joined_channel"
	SysExitedChannel   = "exited_channel"
	SysMemberOnline    = "guild_member_online"
	SysMemberOffline   = "guild_member_offline"
	SysMessageBtnClick = "message_btn_click"
	SysSelfJoinedGuild = "self_joined_guild"
	SysSelfExitedGuild = "self_exited_guild"
)

// DefaultRegistry returns a registry pre-populated with the built-in
// bodies.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	for _, t := range []MessageType{TypeText, TypeImage, TypeVideo, TypeFile, TypeAudio, TypeKMarkdown, TypeCard} {
		RegisterJSON[MessageExtra](r, Key{Major: t})
	}

	RegisterSystem[Role](r, SysAddedRole)
	RegisterSystem[Role](r, SysDeletedRole)
	RegisterSystem[Role](r, SysUpdatedRole)
	RegisterSystem[GuildMemberChange](r, SysJoinedGuild)
	RegisterSystem[GuildMemberChange](r, SysExitedGuild)
	RegisterSystem[GuildUpdate](r, SysUpdatedGuild)
	RegisterSystem[Reaction](r, SysAddedReaction)
	RegisterSystem[Reaction](r, SysDeletedReaction)
	RegisterSystem[MessageUpdate](r, SysUpdatedMessage)
	RegisterSystem[MessageDelete](r, SysDeletedMessage)
	RegisterSystem[ChannelPresence](r, SysJoinedChannel)
	RegisterSystem[ChannelPresence](r, SysExitedChannel)
	RegisterSystem[MemberPresence](r, SysMemberOnline)
	RegisterSystem[MemberPresence](r, SysMemberOffline)
	RegisterSystem[ButtonClick](r, SysMessageBtnClick)
	RegisterSystem[SelfGuild](r, SysSelfJoinedGuild)
	RegisterSystem[SelfGuild](r, SysSelfExitedGuild)

	return r
}
