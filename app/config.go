package talk

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/livepulse/talk/core"
)

type Config struct {
	// Port is the port number to listen on. The default is 8080.
	Port int `validate:"required,port" default:"8080"`
	// Hostname is the hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required" default:"0.0.0.0"`
	Auth     struct {
		// Secret is the key used to sign JWT tokens, base64 encoded.
		// The default is a random 32 byte string.
		Secret Base64Encoded `validate:"required"`
		// Exp is how long issued tokens stay valid.
		Exp time.Duration `validate:"required"`
	}
	SQLite struct {
		// File is the path to the SQLite database file.
		File string `validate:"required"`
		// Migrations is the path to the directory holding migration files.
		Migrations string `validate:"required"`
	}
	Chat struct {
		// MaxMessageLength bounds message content, in runes.
		MaxMessageLength int `validate:"required,min=1"`
		// RoomCapacity bounds the per-room in-memory message log.
		RoomCapacity int `validate:"required,min=1"`
		// TypingWindow is how long a typing indicator lives without refresh.
		TypingWindow time.Duration `validate:"required"`
	}
	Session struct {
		// SinglePerUser closes a user's previous session when a new one
		// opens. The default allows multiple sessions (multiple tabs).
		SinglePerUser bool
		// SendQueueSize bounds the outstanding events per session.
		SendQueueSize int `validate:"required,min=1"`
	}
	// Rooms is the static room catalog created at process start.
	Rooms []core.Room `validate:"required,min=1,dive"`
	// AllowedOrigins is a list of origins that are allowed to connect to
	// the server. The default is ["*"].
	AllowedOrigins []string
	valid          bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

// DefaultRooms is the room catalog used when the config does not define one.
var DefaultRooms = []core.Room{
	{ID: "general", Name: "General", Description: "General discussion for everyone"},
	{ID: "tech", Name: "Tech Talk", Description: "Technology discussions"},
	{ID: "random", Name: "Random", Description: "Random conversations"},
	{ID: "gaming", Name: "Gaming", Description: "Gaming discussions"},
}

// LoadConfig loads the configuration from the config file and environment
// variables. Invalid values are not rejected here; they are caught by the
// validation step.
func LoadConfig() (*Config, error) {
	config := &Config{}
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("port", 8080)
	viper.SetDefault("hostname", "0.0.0.0")

	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	viper.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	viper.SetDefault("auth.exp", "24h")

	viper.SetDefault("sqlite.file", "./talk.db")
	viper.SetDefault("sqlite.migrations", "./migrations")

	viper.SetDefault("chat.maxmessagelength", core.MaxMessageLength)
	viper.SetDefault("chat.roomcapacity", core.DefaultRoomCapacity)
	viper.SetDefault("chat.typingwindow", core.DefaultTypingWindow.String())

	viper.SetDefault("session.singleperuser", false)
	viper.SetDefault("session.sendqueuesize", core.DefaultSendQueueSize)

	if err := viper.ReadInConfig(); err != nil {
		// a missing config file is fine, everything has a default
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := viper.Unmarshal(&config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		// defer error to validation step
		return config, nil
	}

	if len(config.Rooms) == 0 {
		config.Rooms = DefaultRooms
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {
	errors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errors.Translate(trans)

	var sb strings.Builder
	for v := range maps.Values(translated) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
