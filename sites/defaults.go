package sites

import "time"

// Default returns the compiled-in portal table.
func Default() *Catalog {
	return NewCatalog(table...)
}

var table = []SiteConfig{
	{
		ID:       "clal",
		Name:     "כלל ביטוח",
		LoginURL: "https://www.clalbit.co.il/agents/",
		NeedsOTP: false,
		Timeout:  60 * time.Second,
		Selectors: map[string]string{
			"portalBtn":   `a.agents-portal-entry`,
			"username":    `input#username`,
			"password":    `input#password`,
			"loginBtn":    `button[type="submit"]`,
			"reportsMenu": `a[href*="commissions"]`,
			"reportsLink": `a[href*="commissionReports"]`,
			"monthSelect": `select#reportMonth`,
			"searchBtn":   `button#search`,
			"downloadBtn": `button#exportExcel`,
		},
	},
	{
		ID:         "harel",
		Name:       "הראל",
		LoginURL:   "https://www.harel-group.co.il/agents/login",
		ReportsURL: "https://www.harel-group.co.il/agents/commissions/reports",
		NeedsOTP:   true,
		Timeout:    90 * time.Second,
		Selectors: map[string]string{
			"username":    `input#usernameField`,
			"password":    `input#passwordField`,
			"loginBtn":    `button#loginBtn`,
			"otpInput":    `input#otpInput`,
			"otpSubmit":   `button#otpSubmit`,
			"monthSelect": `select#monthSelect`,
			"downloadBtn": `button#downloadExcel`,
		},
	},
	{
		ID:         "altshuler_shaham",
		Name:       "אלטשולר שחם",
		LoginURL:   "https://agents.as-invest.co.il/login",
		ReportsURL: "https://agents.as-invest.co.il/commissions",
		NeedsOTP:   true,
		Timeout:    60 * time.Second,
		Selectors: map[string]string{
			"idTypeRadio":    `input[type="radio"][value="license"]`,
			"licenseField":   `input#license`,
			"idField":        `input#idNumber`,
			"sendCodeBtn":    `button#sendCode`,
			"otpDigits":      `input.otp-digit`,
			"otpInput":       `input#otp`,
			"loginBtn":       `button#login`,
			"reportsMenu":    `button.menu-toggle`,
			"reportsLink":    `a[href*="commissions"]`,
			"reportType":     `a[data-report="commission"]`,
			"yearSelect":     `select#year`,
			"monthSelect":    `select#month`,
			"showBtn":        `button#show`,
			"downloadBtn":    `button#download`,
			"exportExcelBtn": `button#exportExcel`,
		},
	},
	{
		ID:         "ayalon",
		Name:       "איילון",
		LoginURL:   "https://agents.ayalon-ins.co.il/login",
		ReportsURL: "",
		NeedsOTP:   true,
		Selectors: map[string]string{
			"username":      `input#username`,
			"password":      `input#password`,
			"termsCheckbox": `input#terms`,
			"loginBtn":      `button#login`,
			"otpInput":      `input#otp`,
			"otpSubmit":     `button#otpSubmit`,
			"reportsMenu":   `a#reportsMenu`,
			"reportsLink":   `a#commissionReports`,
			"monthSelect":   `select#month`,
			"downloadBtn":   `button#download`,
		},
	},
	{
		ID:       "migdal",
		Name:     "מגדל",
		LoginURL: "https://agents.migdal.co.il/login",
		NeedsOTP: true,
		Selectors: map[string]string{
			"username":    `input#username`,
			"password":    `input#password`,
			"loginBtn":    `button#login`,
			"otpInput":    `input#otp`,
			"otpSubmit":   `button#otpSubmit`,
			"reportsMenu": `button#reportsMenu`,
			"reportsLink": `button#commissionCategory`,
			"reportType":  `ul.report-types li a`,
			"yearSelect":  `select#year`,
			"monthSelect": `select#month`,
			"showBtn":     `button#show`,
			"downloadBtn": `button#download`,
		},
	},
	{
		ID:       "yellin_lapidot",
		Name:     "ילין לפידות",
		LoginURL: "https://agents.yl-invest.co.il/login",
		NeedsOTP: true,
		Selectors: map[string]string{
			"idField":       `input#id`,
			"phoneField":    `input#phone`,
			"smsRadio":      `input[type="radio"][value="sms"]`,
			"termsCheckbox": `input#terms`,
			"otpInput":      `input[placeholder="הקלד קוד"]`,
			"agencySelect":  `select#agency`,
			"reportsLink":   `a[href*="commissions"]`,
			"monthFrom":     `input#monthFrom`,
			"monthTo":       `input#monthTo`,
			"showBtn":       `button#show`,
			"downloadBtn":   `button#download`,
		},
	},
	standard("fnx", "הפניקס", "https://agents.fnx.co.il/login", "idField", "passwordField"),
	standard("phoenix", "הפניקס סוכנים", "https://agents.phoenix.co.il/login", "idField", "passwordField"),
	standard("mor", "מור השקעות", "https://agents.mor-inv.co.il/login", "licenseField", "userIdField", "phoneField"),
	standard("meitav", "מיטב", "https://agents.meitav.co.il/login", "idField", "phonePrefix", "phoneField"),
	standard("analyst", "אנליסט", "https://agents.analyst.co.il/login", "idField", "phoneField"),
	standard("passportcard", "פספורטכארד", "https://agents.passportcard.co.il/login", "emailField", "mobileField"),
	standard("hachshara_secure", "הכשרה", "https://secure.hachshara.co.il/agents/login", "username", "password"),
}

// standard builds the descriptor shared by portals with a plain login form,
// an OTP input and a month select on a fixed reports page.
func standard(id, name, loginURL string, fields ...string) SiteConfig {
	sel := map[string]string{
		"loginBtn":    `button[type="submit"]`,
		"otpInput":    `input#otp`,
		"otpSubmit":   `button#otpSubmit`,
		"monthSelect": `select#month`,
		"downloadBtn": `button#download`,
	}
	for _, f := range fields {
		sel[f] = `#` + f
	}
	return SiteConfig{
		ID:         id,
		Name:       name,
		LoginURL:   loginURL,
		ReportsURL: loginURL[:len(loginURL)-len("login")] + "commissions",
		NeedsOTP:   true,
		Timeout:    60 * time.Second,
		Selectors:  sel,
	}
}
