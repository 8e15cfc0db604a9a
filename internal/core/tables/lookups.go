package tables

import "github.com/JonMunkholm/cnpjsync/internal/core"

func init() {
	registerLookup(core.EntityCnae, "cnaes", "CNAEs", "cnae")
	registerLookup(core.EntityMotive, "motivos", "Motivos", "motivo")
	registerLookup(core.EntityMunicipality, "municipios", "Municípios", "municipio")
	registerLookup(core.EntityLegalNature, "naturezas", "Naturezas Jurídicas", "natureza")
	registerLookup(core.EntityCountry, "paises", "Países", "pais")
	registerLookup(core.EntityQualification, "qualificacoes", "Qualificações", "qualificac")
}

// registerLookup registers a code/description reference table.
func registerLookup(e core.EntityType, table, label, prefix string) {
	core.Register(core.EntityDefinition{
		Type:     e,
		Table:    table,
		Label:    label,
		Prefixes: []string{prefix},
		Fields: []core.FieldSpec{
			integer("codigo"),
			text("descricao"),
		},
		Key: []string{"codigo"},
	})
}
