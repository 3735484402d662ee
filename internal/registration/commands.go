package registration

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
)

type Replier interface {
	Reply(ctx context.Context, chatID int64, text string)
}

const startText = `👋 <b>¡Bienvenido!</b>

Soy el bot de notificaciones de tu empresa.

<b>🔧 Comandos disponibles:</b>

/register CODIGO - Registrar este chat con el código de tu empresa
/get_chat_id - Obtener el ID de este chat
/start - Ver este mensaje de bienvenida
/help - Ayuda sobre cómo configurar

<b>💡 ¿Cómo empezar?</b>

1️⃣ Agrega este bot a un grupo de Telegram
2️⃣ Pide un código de registro al administrador
3️⃣ Envía /register CODIGO en el grupo

¡Listo! Empezarás a recibir alertas. 🚀`

const helpText = `ℹ️ <b>Ayuda - Bot de Notificaciones</b>

<b>¿Qué hace este bot?</b>
Envía alertas automáticas cuando llegan emails importantes o cuando tus reportes detectan datos relevantes.

<b>Paso 1:</b> Crea un grupo en Telegram (o usa uno existente) y agrega este bot.

<b>Paso 2:</b> Pide un código de registro al administrador de tu empresa. El código vence a los 7 días y se usa una sola vez.

<b>Paso 3:</b> En el grupo, envía: /register CODIGO

Si prefieres la configuración manual, envía /get_chat_id y entrega el ID al administrador.

<b>🔧 Comandos:</b>
/register CODIGO - Registrar este chat
/get_chat_id - Obtener ID del chat
/start - Mensaje de bienvenida
/help - Esta ayuda

¿Problemas? Contacta al administrador del sistema.`

const usageText = `Uso: <code>/register CODIGO</code>

Pide el código de registro al administrador de tu empresa.`

// Handle answers one inbound chat message. Non-command text and unknown
// commands are logged and ignored.
func (s *Service) Handle(ctx context.Context, r Replier, msg models.InboundMessage) {
	command, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	logger := s.logger.With(zap.Int64("chat_id", msg.ChatID), zap.String("command", command))

	switch command {
	case "/start":
		r.Reply(ctx, msg.ChatID, startText)
	case "/help":
		r.Reply(ctx, msg.ChatID, helpText)
	case "/get_chat_id":
		r.Reply(ctx, msg.ChatID, chatInfoText(msg))
	case "/register":
		code := ""
		if len(args) > 0 {
			code = args[0]
		}
		_, tenant, err := s.Register(ctx, msg, code)
		if err != nil && !isUserError(err) {
			logger.Error("registration failed", zap.Error(err))
		} else if err != nil {
			logger.Info("registration rejected", zap.Error(err))
		}
		r.Reply(ctx, msg.ChatID, registerReply(err, tenant, NormalizeCode(code)))
	default:
		logger.Debug("ignoring unknown command")
	}
}

// parseCommand splits "/Cmd@bot_name arg..." into a lowercased command and
// its arguments.
func parseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	command := strings.ToLower(fields[0])
	if at := strings.Index(command, "@"); at >= 0 {
		command = command[:at]
	}
	return command, fields[1:], true
}

func isUserError(err error) bool {
	for _, target := range []error{ErrCodeEmpty, ErrCodeNotFound, ErrCodeUsed, ErrCodeExpired, ErrAlreadyRegistered, ErrOtherTenant} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func registerReply(err error, tenant models.Tenant, code string) string {
	company := html.EscapeString(tenant.Name)
	switch {
	case err == nil:
		return fmt.Sprintf("✅ <b>Chat registrado</b>\n\nEste chat recibirá las alertas de <b>%s</b>.", company)
	case errors.Is(err, ErrCodeEmpty):
		return usageText
	case errors.Is(err, ErrCodeNotFound):
		return fmt.Sprintf("❌ El código <code>%s</code> no existe. Verifica que esté bien escrito.", html.EscapeString(code))
	case errors.Is(err, ErrCodeUsed):
		return "❌ Este código ya fue utilizado. Pide un código nuevo al administrador."
	case errors.Is(err, ErrCodeExpired):
		return "⌛ Este código expiró. Pide un código nuevo al administrador."
	case errors.Is(err, ErrAlreadyRegistered):
		return fmt.Sprintf("ℹ️ Este chat ya está registrado para <b>%s</b>. No hace falta registrarlo de nuevo.", company)
	case errors.Is(err, ErrOtherTenant):
		return "❌ Este chat ya está registrado para otra empresa. Un chat solo puede recibir alertas de una empresa."
	default:
		return "⚠️ No se pudo completar el registro. Intenta de nuevo más tarde."
	}
}

func chatInfoText(msg models.InboundMessage) string {
	switch msg.ChatKind {
	case models.ChatGroup, models.ChatSupergroup, models.ChatChannel:
		return fmt.Sprintf(`🆔 <b>Información del Chat</b>

<b>📛 Nombre:</b> %s
<b>🔢 Chat ID:</b> <code>%d</code>
<b>📱 Tipo:</b> %s

Para registrar este chat envía /register CODIGO, o entrega este ID al administrador de tu empresa.`,
			html.EscapeString(msg.Title), msg.ChatID, msg.ChatKind)
	default:
		name := html.EscapeString(msg.FirstName)
		if msg.Username != "" {
			name += " (@" + html.EscapeString(msg.Username) + ")"
		}
		return fmt.Sprintf(`🆔 <b>Información del Chat</b>

<b>👤 Usuario:</b> %s
<b>🔢 Chat ID:</b> <code>%d</code>
<b>📱 Tipo:</b> Chat Privado

⚠️ <b>Nota:</b> los chats privados no se recomiendan para alertas de empresa. Crea un <b>grupo</b>, agrega este bot y envía /get_chat_id o /register CODIGO allí.`,
			name, msg.ChatID)
	}
}
