package bot

import (
	"errors"
	"fmt"
	"strings"
)

// Button payloads travel as "command|arg1|arg2|…". The wire format is
// part of the external interface — buttons already in the wild carry
// these strings — but inside the process they exist only as Command
// values decoded here at the boundary.

// CommandKind enumerates the callback vocabulary.
type CommandKind string

const (
	CmdHome            CommandKind = "home"
	CmdBack            CommandKind = "back"
	CmdCity            CommandKind = "city"
	CmdDistrict        CommandKind = "district"
	CmdProductType     CommandKind = "product_type"
	CmdProduct         CommandKind = "product"
	CmdAddToBasket     CommandKind = "add_to_basket"
	CmdRemoveFromBasket CommandKind = "remove_from_basket"
	CmdViewBasket      CommandKind = "view_basket"
	CmdClearBasket     CommandKind = "clear_basket"
	CmdApplyDiscount   CommandKind = "apply_discount"
	CmdConfirmPay      CommandKind = "confirm_pay"
	CmdRefill          CommandKind = "refill"
	CmdSelectRefillCrypto CommandKind = "select_refill_crypto"
	CmdSelectBasketCrypto CommandKind = "select_basket_crypto"
	CmdCancelPayment   CommandKind = "cancel_crypto_payment"
	CmdCheckPayment    CommandKind = "check_payment"
	CmdAdmDeleteProd   CommandKind = "adm_delete_prod"
	CmdAdmBanUser      CommandKind = "adm_ban_user"
	CmdAdmUnbanUser    CommandKind = "adm_unban_user"
)

// ErrUnknownCommand means the payload's verb is not in the vocabulary.
var ErrUnknownCommand = errors.New("bot: unknown callback command")

// Command is a decoded button press.
type Command struct {
	Kind CommandKind
	Args []string
}

// Arg returns the i-th argument or "".
func (c Command) Arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

// arity bounds per command: {min, max} argument counts.
var commandArity = map[CommandKind][2]int{
	CmdHome:               {0, 0},
	CmdBack:               {0, 1},
	CmdCity:               {1, 1},
	CmdDistrict:           {2, 2},
	CmdProductType:        {3, 3},
	CmdProduct:            {1, 1},
	CmdAddToBasket:        {1, 1},
	CmdRemoveFromBasket:   {1, 1},
	CmdViewBasket:         {0, 0},
	CmdClearBasket:        {0, 0},
	CmdApplyDiscount:      {1, 1},
	CmdConfirmPay:         {0, 0},
	CmdRefill:             {0, 1},
	CmdSelectRefillCrypto: {1, 1},
	CmdSelectBasketCrypto: {1, 1},
	CmdCancelPayment:      {1, 1},
	CmdCheckPayment:       {1, 1},
	CmdAdmDeleteProd:      {1, 1},
	CmdAdmBanUser:         {1, 1},
	CmdAdmUnbanUser:       {1, 1},
}

// DecodeCallback parses a raw button payload into a Command. Unknown
// verbs and wrong arities are programmer errors upstream (a button we
// never issued) and come back as ErrUnknownCommand.
func DecodeCallback(payload string) (Command, error) {
	parts := strings.Split(payload, "|")
	kind := CommandKind(parts[0])
	arity, ok := commandArity[kind]
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, parts[0])
	}
	args := parts[1:]
	if len(args) < arity[0] || len(args) > arity[1] {
		return Command{}, fmt.Errorf("%w: %q takes %d-%d args, got %d",
			ErrUnknownCommand, parts[0], arity[0], arity[1], len(args))
	}
	return Command{Kind: kind, Args: args}, nil
}
