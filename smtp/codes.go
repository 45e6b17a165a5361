package smtp

// Reply codes, RFC 5321 section 4.2.3.
var (
	C211SystemStatus = 211
	C214Help         = 214
	C220ServiceReady = 220
	C221Closing      = 221
	C235AuthSuccess  = 235

	C250Completed   = 250
	C252WithoutVrfy = 252

	C334ContinueAuth = 334
	C354Continue     = 354

	C421ServiceUnavail = 421
	C454TempAuthFail   = 454
	C450MailboxUnavail = 450
	C451LocalErr       = 451
	C452StorageFull    = 452 // Also for "too many recipients".

	C500BadSyntax              = 500
	C501BadParamSyntax         = 501
	C502CmdNotImpl             = 502
	C503BadCmdSeq              = 503
	C504ParamNotImpl           = 504
	C530SecurityRequired       = 530
	C534AuthMechWeak           = 534
	C535AuthBadCreds           = 535
	C538EncReqForAuth          = 538
	C550MailboxUnavail         = 550
	C552MailboxFull            = 552
	C553BadMailbox             = 553
	C554TransactionFailed      = 554
	C555UnrecognizedAddrParams = 555
)

// Short enhanced reply codes, without leading number and first dot, RFC 3463.
//
// See https://www.iana.org/assignments/smtp-enhanced-status-codes/smtp-enhanced-status-codes.xhtml
var (
	// 0.x - Other or Undefined Status.
	SeOther00 = "0.0"

	// 1.x - Address.
	SeAddr1Other0              = "1.0"
	SeAddr1UnknownDestMailbox1 = "1.1"
	SeAddr1MailboxSyntax3      = "1.3"
	SeAddr1DestValid5          = "1.5" // For success responses.
	SeAddr1SenderSyntax7       = "1.7"

	// 2.x - Mailbox.
	SeMailbox2Other0            = "2.0"
	SeMailbox2Full2             = "2.2"
	SeMailbox2MsgLimitExceeded3 = "2.3"

	// 3.x - Mail system.
	SeSys3Other0            = "3.0"
	SeSys3StorageFull1      = "3.1"
	SeSys3NotAccepting2     = "3.2"
	SeSys3NotSupported3     = "3.3"
	SeSys3MsgLimitExceeded4 = "3.4"

	// 4.x - Network and routing.
	SeNet4Other0      = "4.0"
	SeNet4Congestion5 = "4.5"

	// 5.x - Mail delivery protocol.
	SeProto5Other0              = "5.0"
	SeProto5BadCmdOrSeq1        = "5.1"
	SeProto5Syntax2             = "5.2"
	SeProto5TooManyRcpts3       = "5.3"
	SeProto5BadParams4          = "5.4"
	SeProto5AuthExchangeTooLong = "5.6"

	// 6.x - Message content/media.
	SeMsg6Other0                    = "6.0"
	SeMsg6NonASCIIAddrNotPermitted7 = "6.7"

	// 7.x - Security/policy.
	SePol7Other0                = "7.0"
	SePol7DeliveryUnauth1       = "7.1"
	SePol7ExpnProhibited2       = "7.2"
	SePol7AuthBadCreds8         = "7.8"
	SePol7AuthWeakMech9         = "7.9"
	SePol7EncNeeded10           = "7.10"
	SePol7EncReqForAuth11       = "7.11"
	SePol7AccountDisabled13     = "7.13"
)
