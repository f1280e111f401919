package automation

import (
	"fmt"
	"strings"
)

// Selectors locates the elements of the terminal's web UI. All are CSS
// selectors except BrokerOption, an XPath template taking the broker name.
type Selectors struct {
	Ready         string `yaml:"ready"`
	DismissDialog string `yaml:"dismiss_dialog"`

	BrokerSearch string `yaml:"broker_search"`
	BrokerOption string `yaml:"broker_option"`
	BrokerNext   string `yaml:"broker_next"`

	NameField    string `yaml:"name_field"`
	EmailField   string `yaml:"email_field"`
	PhoneField   string `yaml:"phone_field"`
	BalanceField string `yaml:"balance_field"`
	Agreement    string `yaml:"agreement"`
	SubmitForm   string `yaml:"submit_form"`

	Login    string `yaml:"login"`
	Password string `yaml:"password"`
	Investor string `yaml:"investor"`

	ChangePasswordMenu string `yaml:"change_password_menu"`
	OldPassword        string `yaml:"old_password"`
	NewPassword        string `yaml:"new_password"`
	ConfirmPassword    string `yaml:"confirm_password"`
	SubmitPassword     string `yaml:"submit_password"`
}

// DefaultSelectors matches the stock web terminal image.
func DefaultSelectors() Selectors {
	return Selectors{
		Ready:         "#terminal",
		DismissDialog: ".modal .close",

		BrokerSearch: "input[name='company']",
		BrokerOption: "//div[contains(@class,'company')][contains(normalize-space(.), %s)]",
		BrokerNext:   "button.next",

		NameField:    "input[name='name']",
		EmailField:   "input[name='email']",
		PhoneField:   "input[name='phone']",
		BalanceField: "input[name='deposit']",
		Agreement:    "input[name='agreement']",
		SubmitForm:   "button[type='submit']",

		Login:    ".account-result .login",
		Password: ".account-result .password",
		Investor: ".account-result .investor",

		ChangePasswordMenu: "#menu-change-password",
		OldPassword:        "input[name='password_old']",
		NewPassword:        "input[name='password_new']",
		ConfirmPassword:    "input[name='password_confirm']",
		SubmitPassword:     "button.change-password",
	}
}

// WithDefaults fills every empty selector from DefaultSelectors.
func (s Selectors) WithDefaults() Selectors {
	d := DefaultSelectors()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}

	fill(&s.Ready, d.Ready)
	fill(&s.DismissDialog, d.DismissDialog)
	fill(&s.BrokerSearch, d.BrokerSearch)
	fill(&s.BrokerOption, d.BrokerOption)
	fill(&s.BrokerNext, d.BrokerNext)
	fill(&s.NameField, d.NameField)
	fill(&s.EmailField, d.EmailField)
	fill(&s.PhoneField, d.PhoneField)
	fill(&s.BalanceField, d.BalanceField)
	fill(&s.Agreement, d.Agreement)
	fill(&s.SubmitForm, d.SubmitForm)
	fill(&s.Login, d.Login)
	fill(&s.Password, d.Password)
	fill(&s.Investor, d.Investor)
	fill(&s.ChangePasswordMenu, d.ChangePasswordMenu)
	fill(&s.OldPassword, d.OldPassword)
	fill(&s.NewPassword, d.NewPassword)
	fill(&s.ConfirmPassword, d.ConfirmPassword)
	fill(&s.SubmitPassword, d.SubmitPassword)
	return s
}

// brokerXPath renders the BrokerOption template for broker.
func (s Selectors) brokerXPath(broker string) string {
	return fmt.Sprintf(s.BrokerOption, xpathLiteral(broker))
}

// xpathLiteral quotes s as an XPath 1.0 string literal. XPath has no escape
// sequences, so values holding both quote kinds are built with concat().
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}

	parts := strings.Split(s, "'")
	quoted := make([]string, 0, 2*len(parts))
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		if p != "" {
			quoted = append(quoted, "'"+p+"'")
		}
	}
	return "concat(" + strings.Join(quoted, ",") + ")"
}
