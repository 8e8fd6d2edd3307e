// identity/identity.go
package identity

import "fmt"

// Mapper сопоставляет логины из системы ревью с идентичностями чата.
// Таблица приходит из конфигурации и неизменна в течение жизни процесса.
type Mapper struct {
	users map[string]string
}

func NewMapper(users map[string]string) *Mapper {
	if users == nil {
		users = map[string]string{}
	}
	return &Mapper{users: users}
}

// Resolve возвращает идентичность чата по логину
func (m *Mapper) Resolve(login string) (string, bool) {
	id, ok := m.users[login]
	return id, ok
}

// Mention возвращает упоминание пользователя для текста сообщения;
// для несопоставленных логинов — просто логин моноширинным шрифтом
func (m *Mapper) Mention(login string) string {
	if id, ok := m.users[login]; ok {
		return fmt.Sprintf("<@%s>", id)
	}
	return fmt.Sprintf("`%s`", login)
}
